// Package identity resolves the canonical workspace email of an employee
// from the organization's identity directory.
package identity

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/internal/httpclient"
)

// Directory looks up workspace identities. An empty email with a nil error
// means the directory does not know the employee.
type Directory interface {
	LookupCanonicalEmail(ctx context.Context, employeeID string) (string, error)
}

// Config configures an HTTPDirectory.
type Config struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	AllowPrivate bool // Internal directories usually live on private networks
}

// HTTPDirectory queries GET {base}/users/{id} and reads primary_email.
type HTTPDirectory struct {
	base   *url.URL
	token  string
	client *httpclient.SaferClient
}

type userResponse struct {
	ID           string `json:"id"`
	PrimaryEmail string `json:"primary_email"`
}

// maxResponseBytes bounds the body read from the directory.
const maxResponseBytes = 1 << 20

// NewHTTPDirectory validates cfg.BaseURL and creates a directory client.
func NewHTTPDirectory(cfg Config) (*HTTPDirectory, error) {
	client := httpclient.New(httpclient.Options{
		Timeout:        cfg.Timeout,
		AllowPrivate:   cfg.AllowPrivate,
		AllowedSchemes: []string{"http", "https"},
	})
	return newHTTPDirectory(cfg, client)
}

func newHTTPDirectory(cfg Config, client *httpclient.SaferClient) (*HTTPDirectory, error) {
	if cfg.BaseURL == "" {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("identity directory base URL is empty"),
			"set identity.base_url")
	}
	base, err := client.ValidateURL(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid identity directory URL %q", cfg.BaseURL)
	}
	return &HTTPDirectory{base: base, token: cfg.Token, client: client}, nil
}

// LookupCanonicalEmail fetches the employee's primary workspace email.
func (d *HTTPDirectory) LookupCanonicalEmail(ctx context.Context, employeeID string) (string, error) {
	u := d.base.JoinPath("users", employeeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "identity lookup for %s failed", employeeID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", errors.Wrap(err, "failed to read identity response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", errors.WithHint(
			errors.Newf("identity directory rejected credentials (status %d)", resp.StatusCode),
			"check identity.token")
	case resp.StatusCode != http.StatusOK:
		return "", errors.Newf("identity directory returned status %d: %s", resp.StatusCode, string(body))
	}

	var user userResponse
	if err := json.Unmarshal(body, &user); err != nil {
		return "", errors.Wrap(err, "failed to decode identity response")
	}
	return strings.ToLower(strings.TrimSpace(user.PrimaryEmail)), nil
}

// Static is an in-memory directory.
type Static struct {
	mu     sync.RWMutex
	emails map[string]string
}

// NewStatic creates a directory holding emails keyed by employee id.
func NewStatic(emails map[string]string) *Static {
	s := &Static{emails: make(map[string]string, len(emails))}
	for id, email := range emails {
		s.emails[id] = email
	}
	return s
}

// Set records the canonical email of an employee.
func (s *Static) Set(employeeID, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[employeeID] = email
}

// LookupCanonicalEmail returns the stored email or "".
func (s *Static) LookupCanonicalEmail(_ context.Context, employeeID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emails[employeeID], nil
}
