package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/entrhq/camou/pkg/logging"
)

// DefaultCheckURL echoes the caller's public IP as {"origin": "..."}.
const DefaultCheckURL = "https://httpbin.org/ip"

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 10 * time.Second

// Result is the outcome of a proxy probe.
type Result struct {
	OK      bool
	Message string
}

// Recorder receives probe outcomes, e.g. for metrics.
type Recorder interface {
	ProxyChecked(ok bool)
}

// Checker probes proxies by fetching CheckURL through them.
type Checker struct {
	checkURL string
	timeout  time.Duration
	logger   *logging.Logger
	recorder Recorder
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCheckURL overrides the probe endpoint.
func WithCheckURL(u string) CheckerOption {
	return func(c *Checker) {
		if u != "" {
			c.checkURL = u
		}
	}
}

// WithDefaultTimeout sets the timeout used when Check is given zero.
func WithDefaultTimeout(d time.Duration) CheckerOption {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithRecorder reports every probe outcome to r.
func WithRecorder(r Recorder) CheckerOption {
	return func(c *Checker) {
		c.recorder = r
	}
}

// NewChecker creates a Checker.
func NewChecker(opts ...CheckerOption) *Checker {
	c := &Checker{
		checkURL: DefaultCheckURL,
		timeout:  DefaultTimeout,
		logger:   logging.Discard("proxy"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check performs one request through the proxy and classifies the outcome.
// It never returns an error; failures are reported in the Result message.
func (c *Checker) Check(ctx context.Context, proxyStr string, timeout time.Duration) Result {
	res := c.check(ctx, proxyStr, timeout)
	if c.recorder != nil {
		c.recorder.ProxyChecked(res.OK)
	}
	c.logger.Debugf("proxy check %q: ok=%t %s", redact(proxyStr), res.OK, res.Message)
	return res
}

// CheckAsync runs Check on its own goroutine and hands the result to fn.
// There is no cancellation: a caller that lost interest ignores the
// callback.
func (c *Checker) CheckAsync(proxyStr string, timeout time.Duration, fn func(Result)) {
	go func() {
		res := c.Check(context.Background(), proxyStr, timeout)
		if fn != nil {
			fn(res)
		}
	}()
}

func (c *Checker) check(ctx context.Context, proxyStr string, timeout time.Duration) Result {
	cfg, err := Parse(proxyStr)
	if err != nil || cfg == nil {
		return Result{Message: "Invalid proxy format"}
	}

	if cfg.Scheme != "http" && cfg.Scheme != "https" && cfg.Scheme != "socks5" {
		return Result{Message: "Unsupported proxy scheme: " + cfg.Scheme}
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return Result{Message: fmt.Sprintf("Proxy error: %v", err)}
	}
	defer transport.CloseIdleConnections()

	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.checkURL, nil)
	if err != nil {
		return Result{Message: fmt.Sprintf("Unexpected error: %v", err)}
	}

	client := &http.Client{Transport: transport}
	resp, err := client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{Message: fmt.Sprintf("Proxy returned status %d", resp.StatusCode)}
	}

	var body struct {
		Origin string `json:"origin"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Origin == "" {
		body.Origin = "unknown"
	}

	return Result{OK: true, Message: "Proxy working. IP: " + body.Origin}
}

func newTransport(cfg *Config) (*http.Transport, error) {
	switch cfg.Scheme {
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(cfg.URL())}, nil
	case "socks5":
		var auth *xproxy.Auth
		if cfg.Username != "" {
			auth = &xproxy.Auth{User: cfg.Username, Password: cfg.Password}
		}
		dialer, err := xproxy.SOCKS5("tcp", cfg.Address(), auth, xproxy.Direct)
		if err != nil {
			return nil, err
		}
		transport := &http.Transport{}
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.Dial = dialer.Dial //nolint:staticcheck
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", cfg.Scheme)
	}
}

func classify(err error) Result {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return Result{Message: "Proxy connection timed out"}
	case errors.Is(err, syscall.ECONNREFUSED), isProxyConnect(err):
		return Result{Message: "Failed to connect to proxy"}
	default:
		return Result{Message: fmt.Sprintf("Proxy error: %v", err)}
	}
}

func isProxyConnect(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "proxyconnect"
}

// redact drops credentials before a proxy string is logged.
func redact(proxyStr string) string {
	cfg, err := Parse(proxyStr)
	if err != nil || cfg == nil {
		return proxyStr
	}
	return cfg.Server()
}
