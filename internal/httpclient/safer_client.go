// Package httpclient provides the outbound HTTP client used for collaborator
// calls (workspace identity directory). Requests are checked for scheme,
// embedded credentials and, unless disabled, private or loopback targets.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/hrpulse/errors"
)

// ErrBlocked marks requests refused before any connection was attempted.
var ErrBlocked = errors.New("request blocked")

// Options configures a SaferClient. The zero value blocks private targets,
// allows http and https, and follows up to 10 redirects.
type Options struct {
	Timeout        time.Duration
	AllowPrivate   bool
	AllowedSchemes []string
	MaxRedirects   int
}

// SaferClient wraps http.Client with SSRF protection
type SaferClient struct {
	*http.Client
	opts Options
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// New creates a SaferClient.
func New(opts Options) *SaferClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	if len(opts.AllowedSchemes) == 0 {
		opts.AllowedSchemes = []string{"http", "https"}
	}

	c := &SaferClient{
		Client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.opts.MaxRedirects {
			return errors.Newf("stopped after %d redirects", c.opts.MaxRedirects)
		}
		if err := c.check(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if !opts.AllowPrivate {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			// Resolve before dialing so DNS rebinding to a private address is caught.
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if IsPrivateAddr(ip) {
						return nil, errors.Mark(errors.Newf("private IP address blocked: %s", ip), ErrBlocked)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	return c
}

// WrapClient wraps an existing http.Client with scheme checks only.
// Use it in tests that talk to httptest servers on loopback.
func WrapClient(client *http.Client) *SaferClient {
	return &SaferClient{
		Client: client,
		opts: Options{
			AllowPrivate:   true,
			AllowedSchemes: []string{"http", "https"},
			MaxRedirects:   10,
		},
	}
}

// ValidateURL parses urlStr and applies the client's checks.
func (c *SaferClient) ValidateURL(urlStr string) (*url.URL, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do executes an HTTP request with SSRF protection
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked by SSRF protection")
	}
	return c.Client.Do(req)
}

func (c *SaferClient) check(u *url.URL) error {
	if !slices.Contains(c.opts.AllowedSchemes, strings.ToLower(u.Scheme)) {
		return errors.Mark(errors.Newf("scheme %q not allowed (allowed: %v)", u.Scheme, c.opts.AllowedSchemes), ErrBlocked)
	}
	if u.User != nil {
		return errors.Mark(errors.New("URL contains credentials"), ErrBlocked)
	}

	host := u.Hostname()
	if host == "" {
		return errors.Mark(errors.New("URL missing hostname"), ErrBlocked)
	}
	if c.opts.AllowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.Mark(errors.New("localhost access blocked"), ErrBlocked)
	}
	if ip, err := netip.ParseAddr(host); err == nil && IsPrivateAddr(ip) {
		return errors.Mark(errors.Newf("private IP address blocked: %s", host), ErrBlocked)
	}
	return nil
}

// IsPrivateAddr reports whether ip is loopback, link-local, private,
// multicast, unspecified or reserved.
func IsPrivateAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
