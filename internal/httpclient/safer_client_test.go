package httpclient

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hrpulse/errors"
)

func TestNewDefaults(t *testing.T) {
	c := New(Options{})
	assert.Equal(t, 10*time.Second, c.Timeout)
	assert.Equal(t, 10, c.opts.MaxRedirects)
	assert.False(t, c.opts.AllowPrivate)
	assert.Equal(t, []string{"http", "https"}, c.opts.AllowedSchemes)
}

func TestValidateURL(t *testing.T) {
	c := New(Options{Timeout: time.Second})

	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{name: "https allowed", url: "https://directory.example.com/users/e1"},
		{name: "http allowed", url: "http://example.com"},
		{name: "file scheme", url: "file:///etc/passwd", errContains: "scheme"},
		{name: "gopher scheme", url: "gopher://example.com", errContains: "scheme"},
		{name: "localhost", url: "http://localhost/admin", errContains: "localhost"},
		{name: "localhost subdomain", url: "http://admin.localhost/", errContains: "localhost"},
		{name: "loopback", url: "http://127.0.0.1/", errContains: "private IP"},
		{name: "rfc1918", url: "http://10.1.2.3/", errContains: "private IP"},
		{name: "metadata endpoint", url: "http://169.254.169.254/latest", errContains: "private IP"},
		{name: "ipv6 loopback", url: "http://[::1]/", errContains: "private IP"},
		{name: "embedded credentials", url: "http://evil.com@localhost/", errContains: "credentials"},
		{name: "missing host", url: "http:///path", errContains: "hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ValidateURL(tt.url)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
			assert.True(t, errors.Is(err, ErrBlocked))
		})
	}
}

func TestAllowPrivate(t *testing.T) {
	c := New(Options{AllowPrivate: true})
	_, err := c.ValidateURL("http://10.0.0.5/users/e1")
	assert.NoError(t, err, "internal directories live on private networks")

	_, err = c.ValidateURL("ftp://10.0.0.5/")
	assert.Error(t, err, "scheme checks still apply")
}

func TestIsPrivateAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"10.0.0.1":         true,
		"172.20.1.1":       true,
		"192.168.0.10":     true,
		"127.0.0.1":        true,
		"::1":              true,
		"fd00::1":          true,
		"fe80::1":          true,
		"::ffff:10.0.0.1":  true,
		"2001:db8::1":      true,
		"8.8.8.8":          false,
		"2606:4700::1111":  false,
		"172.32.0.1":       false,
	} {
		assert.Equal(t, want, IsPrivateAddr(netip.MustParseAddr(addr)), addr)
	}
}

func TestDoBlocksBeforeDialing(t *testing.T) {
	c := New(Options{})
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked by SSRF protection")
}

func TestWrapClientReachesTestServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := WrapClient(srv.Client())
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestMaxRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/again", http.StatusFound)
	}))
	defer srv.Close()

	c := New(Options{AllowPrivate: true, MaxRedirects: 2})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 2 redirects")
}
