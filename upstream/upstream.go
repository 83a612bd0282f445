// Package upstream provides the shared, keep-alive HTTP client the request
// pipeline uses to reach whatever endpoint modelrouter resolved, plus a
// thin streampipe.Source wrapper over the resulting response body.
package upstream

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// ClientConfig holds the shared transport's tuning knobs. One ClientConfig
// backs every provider endpoint; providers differ in URL and credential,
// not in connection handling.
type ClientConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultClientConfig returns production-grade defaults. ResponseHeaderTimeout
// is left at zero: per-request deadlines come from the caller's context.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		ResponseHeaderTimeout: 0,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewClient builds a single http.Client sharing one transport across every
// upstream provider endpoint, with HTTP/2 negotiated via ALPN where the
// endpoint supports it.
func NewClient(cfg ClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
			MinVersion: tls.VersionTLS12,
		},
	}

	return &http.Client{Transport: transport}
}
