package httpclient

import (
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedProxy(t *testing.T, raw string) func(*http.Request) (*url.URL, error) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return http.ProxyURL(u)
}

func proxyFor(t *testing.T, transport *http.Transport, target string) *url.URL {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	proxy, err := transport.Proxy(req)
	require.NoError(t, err)
	return proxy
}

func TestAutoModeUsesReachableLoopbackProxy(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	transport := Transport(nil, WithProxyResolver(fixedProxy(t, "http://"+listener.Addr().String())))
	proxy := proxyFor(t, transport, "https://api.example.com/coins")
	require.NotNil(t, proxy)
	assert.Equal(t, listener.Addr().String(), proxy.Host)
}

func TestAutoModeBypassesUnreachableLoopbackProxy(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	transport := Transport(nil, WithProxyResolver(fixedProxy(t, "http://"+addr)))
	assert.Nil(t, proxyFor(t, transport, "https://api.example.com/coins"))
	assert.Nil(t, proxyFor(t, transport, "https://api.example.com/coins"))
}

func TestAutoModeSkipsProxyForLoopbackTargets(t *testing.T) {
	transport := Transport(nil, WithProxyResolver(fixedProxy(t, "http://proxy.internal:3128")))
	assert.Nil(t, proxyFor(t, transport, "http://127.0.0.1:8080/x"))
	assert.Equal(t, "proxy.internal:3128", proxyFor(t, transport, "https://api.example.com").Host)
}

func TestStrictAndDirectModes(t *testing.T) {
	resolver := fixedProxy(t, "http://127.0.0.1:1")

	strict := Transport(nil, WithProxyMode(ProxyStrict), WithProxyResolver(resolver))
	assert.NotNil(t, proxyFor(t, strict, "https://api.example.com"))

	direct := Transport(nil, WithProxyMode(ProxyDirect), WithProxyResolver(resolver))
	assert.Nil(t, proxyFor(t, direct, "https://api.example.com"))
}

func TestParseProxyMode(t *testing.T) {
	assert.Equal(t, ProxyStrict, ParseProxyMode(" Strict "))
	assert.Equal(t, ProxyDirect, ParseProxyMode("off"))
	assert.Equal(t, ProxyAuto, ParseProxyMode(""))
	assert.Equal(t, ProxyAuto, ParseProxyMode("bogus"))
}

func TestNewAppliesDefaultTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, New(0, nil).Timeout)
	assert.Equal(t, time.Second, New(time.Second, nil).Timeout)
}

func TestValidateAgentURL(t *testing.T) {
	u, err := ValidateAgentURL("https://api.coingecko.com/api/v3/coins/{token_id}", URLValidationOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/api/v3/coins/token", u.Path)

	for _, bad := range []string{"", "ftp://x.com", "http://", "http://localhost/x", "http://10.0.0.1/x", "http://127.0.0.1/x"} {
		_, err := ValidateAgentURL(bad, URLValidationOptions{})
		assert.Error(t, err, bad)
	}

	_, err = ValidateAgentURL("http://127.0.0.1:9999/{token_id}", URLValidationOptions{AllowLocalhost: true})
	assert.NoError(t, err)
}
