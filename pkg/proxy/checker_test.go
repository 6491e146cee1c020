package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The probe URL never resolves; requests only succeed when they go through
// the test proxy, which answers on behalf of the origin.
const probeURL = "http://probe.invalid/ip"

type countingRecorder struct {
	ok, failed atomic.Int32
}

func (r *countingRecorder) ProxyChecked(ok bool) {
	if ok {
		r.ok.Add(1)
	} else {
		r.failed.Add(1)
	}
}

func proxyAddr(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestCheckerCheck(t *testing.T) {
	t.Run("working proxy", func(t *testing.T) {
		var sawAuth atomic.Bool
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Host == "probe.invalid" && r.Header.Get("Proxy-Authorization") != "" {
				sawAuth.Store(true)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"origin": "203.0.113.7"}`))
		}))
		defer srv.Close()

		rec := &countingRecorder{}
		checker := NewChecker(WithCheckURL(probeURL), WithRecorder(rec))

		res := checker.Check(context.Background(), "user:pass@"+proxyAddr(t, srv), time.Second)
		assert.True(t, res.OK)
		assert.Equal(t, "Proxy working. IP: 203.0.113.7", res.Message)
		assert.True(t, sawAuth.Load(), "credentials must be sent to the proxy")
		assert.Equal(t, int32(1), rec.ok.Load())
	})

	t.Run("missing origin", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		res := NewChecker(WithCheckURL(probeURL)).Check(context.Background(), proxyAddr(t, srv), time.Second)
		assert.True(t, res.OK)
		assert.Equal(t, "Proxy working. IP: unknown", res.Message)
	})

	t.Run("bad status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		rec := &countingRecorder{}
		res := NewChecker(WithCheckURL(probeURL), WithRecorder(rec)).Check(context.Background(), proxyAddr(t, srv), time.Second)
		assert.False(t, res.OK)
		assert.Equal(t, "Proxy returned status 502", res.Message)
		assert.Equal(t, int32(1), rec.failed.Load())
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		res := NewChecker(WithCheckURL(probeURL)).Check(context.Background(), proxyAddr(t, srv), 100*time.Millisecond)
		assert.False(t, res.OK)
		assert.Equal(t, "Proxy connection timed out", res.Message)
	})

	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		res := NewChecker(WithCheckURL(probeURL)).Check(context.Background(), addr, time.Second)
		assert.False(t, res.OK)
		assert.Equal(t, "Failed to connect to proxy", res.Message)
	})

	t.Run("invalid format", func(t *testing.T) {
		res := NewChecker().Check(context.Background(), "not a proxy", time.Second)
		assert.False(t, res.OK)
		assert.Equal(t, "Invalid proxy format", res.Message)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		res := NewChecker().Check(context.Background(), "socks4://127.0.0.1:1080", time.Second)
		assert.False(t, res.OK)
		assert.Equal(t, "Unsupported proxy scheme: socks4", res.Message)
	})
}

func TestCheckerCheckAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"origin": "198.51.100.1"}`))
	}))
	defer srv.Close()

	done := make(chan Result, 1)
	NewChecker(WithCheckURL(probeURL)).CheckAsync(proxyAddr(t, srv), time.Second, func(r Result) {
		done <- r
	})

	select {
	case res := <-done:
		assert.True(t, res.OK)
		assert.Equal(t, "Proxy working. IP: 198.51.100.1", res.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "http://1.2.3.4:8080", redact("user:secret@1.2.3.4:8080"))
	assert.Equal(t, "garbage", redact("garbage"))
}
