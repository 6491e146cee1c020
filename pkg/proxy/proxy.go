// Package proxy parses and validates profile proxy strings and probes
// whether a proxy actually forwards traffic.
//
// Proxy strings have the form [scheme://][user:pass@]host:port where scheme
// is one of http, https, socks4 or socks5 and defaults to http.
package proxy

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// NoneSentinel is passed on the host command line for profiles without a
// proxy. Stored records written by older versions may contain it too.
const NoneSentinel = "none"

var proxyPattern = regexp.MustCompile(
	`^(?:(https?|socks[45])://)?` +
		`(?:([^:@]+):([^@]+)@)?` +
		`([a-zA-Z0-9.-]+|\d{1,3}(?:\.\d{1,3}){3})` +
		`:(\d{1,5})$`,
)

// FormatError describes a proxy string that does not match the accepted
// syntax.
type FormatError struct {
	Message string
}

func (e *FormatError) Error() string {
	return e.Message
}

// ValidateFormat checks a proxy string entered by a user. The empty string
// means "no proxy" and is valid.
func ValidateFormat(s string) error {
	if s == "" {
		return nil
	}

	m := proxyPattern.FindStringSubmatch(s)
	if m == nil {
		return &FormatError{Message: "Invalid proxy format. Use: [scheme://][user:pass@]host:port"}
	}

	port, _ := strconv.Atoi(m[5])
	if port < 1 || port > 65535 {
		return &FormatError{Message: fmt.Sprintf("Port must be between 1 and 65535, got %d", port)}
	}

	return nil
}

// Config is a parsed proxy.
type Config struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// IsNone reports whether s means "no proxy".
func IsNone(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, NoneSentinel)
}

// Parse turns a proxy string into a Config. It returns nil, nil for an
// empty string or the none sentinel.
//
// Parse matches the same pattern as ValidateFormat, so every string a user
// could save is also launchable. Credentials are taken literally; they are
// not URL-decoded. Only the scheme is case-insensitive.
func Parse(s string) (*Config, error) {
	if IsNone(s) {
		return nil, nil
	}

	raw := strings.TrimSpace(s)
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = strings.ToLower(raw[:i]) + raw[i:]
	}

	m := proxyPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("invalid proxy %q: expected [scheme://][user:pass@]host:port", s)
	}

	port, err := strconv.Atoi(m[5])
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid proxy %q: bad port %q", s, m[5])
	}

	cfg := &Config{
		Scheme:   m[1],
		Host:     m[4],
		Port:     port,
		Username: m[2],
		Password: m[3],
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}

	return cfg, nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server returns scheme://host:port without credentials, the form browser
// engines take alongside separate username and password fields.
func (c *Config) Server() string {
	return c.Scheme + "://" + c.Address()
}

// URL returns the proxy URL including credentials.
func (c *Config) URL() *url.URL {
	u := &url.URL{Scheme: c.Scheme, Host: c.Address()}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u
}
