// Package httpclient builds the outbound HTTP client used by agents.
package httpclient

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"chainreport/internal/shared/logging"
)

// ProxyMode selects how environment proxies are honoured.
type ProxyMode uint8

const (
	// ProxyAuto uses environment proxies but bypasses an unreachable loopback
	// proxy.
	ProxyAuto ProxyMode = iota
	// ProxyStrict always uses the environment proxy.
	ProxyStrict
	// ProxyDirect never uses a proxy.
	ProxyDirect
)

// ParseProxyMode maps a config value to a ProxyMode; unknown values are auto.
func ParseProxyMode(raw string) ProxyMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return ProxyStrict
	case "direct", "none", "off":
		return ProxyDirect
	default:
		return ProxyAuto
	}
}

type options struct {
	mode    ProxyMode
	resolve func(*http.Request) (*url.URL, error)
}

// Option customizes the client.
type Option func(*options)

func WithProxyMode(mode ProxyMode) Option {
	return func(o *options) { o.mode = mode }
}

// WithProxyResolver replaces http.ProxyFromEnvironment as the proxy source.
func WithProxyResolver(resolve func(*http.Request) (*url.URL, error)) Option {
	return func(o *options) {
		if resolve != nil {
			o.resolve = resolve
		}
	}
}

// New returns an http.Client with the given overall request timeout.
func New(timeout time.Duration, logger logging.Logger, opts ...Option) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(logger, opts...),
	}
}

// Transport clones the default transport and applies the proxy policy.
func Transport(logger logging.Logger, opts ...Option) *http.Transport {
	o := options{mode: ProxyAuto, resolve: http.ProxyFromEnvironment}
	for _, opt := range opts {
		opt(&o)
	}
	policy := newProxyPolicy(o.mode, o.resolve, logger)

	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: policy.proxy}
	}
	transport := base.Clone()
	transport.Proxy = policy.proxy
	return transport
}
