package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chainreport/internal/shared/logging"
)

const proxyDialTimeout = 300 * time.Millisecond

// proxyPolicy decides the proxy per request. Reachability of loopback
// proxies is probed once per proxy URL.
type proxyPolicy struct {
	mode    ProxyMode
	resolve func(*http.Request) (*url.URL, error)
	logger  logging.Logger

	bypass sync.Map // proxy URL -> bool
	warned sync.Map // proxy URL -> struct{}
}

func newProxyPolicy(mode ProxyMode, resolve func(*http.Request) (*url.URL, error), logger logging.Logger) *proxyPolicy {
	return &proxyPolicy{mode: mode, resolve: resolve, logger: logging.OrNop(logger)}
}

func (p *proxyPolicy) proxy(req *http.Request) (*url.URL, error) {
	switch p.mode {
	case ProxyDirect:
		return nil, nil
	case ProxyStrict:
		return p.resolve(req)
	}

	if req == nil || req.URL == nil {
		return p.resolve(req)
	}
	if isLoopbackHost(req.URL.Hostname()) {
		return nil, nil
	}

	proxyURL, err := p.resolve(req)
	if proxyURL == nil || err != nil {
		return proxyURL, err
	}
	if !isLoopbackHost(proxyURL.Hostname()) {
		return proxyURL, nil
	}
	hostPort, ok := proxyHostPort(proxyURL)
	if !ok {
		return proxyURL, nil
	}

	key := proxyURL.String()
	if bypass, ok := p.bypass.Load(key); ok {
		if bypass.(bool) {
			return nil, nil
		}
		return proxyURL, nil
	}
	if isProxyReachable(req.Context(), hostPort) {
		p.bypass.Store(key, false)
		return proxyURL, nil
	}
	p.bypass.Store(key, true)
	if _, loaded := p.warned.LoadOrStore(key, struct{}{}); !loaded {
		p.logger.Warn("Local proxy %s is unreachable; agent requests go direct (set proxy_mode: strict to disable)", proxyURL.Redacted())
	}
	return nil, nil
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func proxyHostPort(proxyURL *url.URL) (string, bool) {
	host := strings.TrimSpace(proxyURL.Hostname())
	if host == "" {
		return "", false
	}
	port := proxyURL.Port()
	if port == "" {
		switch strings.ToLower(proxyURL.Scheme) {
		case "", "http":
			port = "80"
		case "https":
			port = "443"
		case "socks5", "socks5h":
			port = "1080"
		default:
			return "", false
		}
	}
	return net.JoinHostPort(host, port), true
}

func isProxyReachable(ctx context.Context, hostPort string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := net.Dialer{Timeout: proxyDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
