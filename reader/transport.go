package reader

import (
	"net"
	"net/http"
	"time"

	"bookflow/config"
)

// NewHTTPClient builds a pooled client for snapshot requests. Outbound
// connections bind to localIP when it parses as an address.
func NewHTTPClient(pool config.ConnectionPoolConfig, timeout time.Duration, localIP string) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		DisableCompression:  false,
	}

	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}, Timeout: timeout}
			transport.DialContext = dialer.DialContext
		}
	}

	return &http.Client{
		Transport: userAgentTransport{agent: "bookflow/1.0", base: transport},
		Timeout:   timeout,
	}
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}
