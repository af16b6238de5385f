package clients

import (
	"net"
	"net/http"
	"time"
)

// Pool limits for the instance REST API. A client talks to a single
// instance, so a few connections cover concurrent page fetches and fallback
// polls across columns.
const (
	SourceMaxConns    = 8
	SourceIdleConns   = 4
	SourceIdleTimeout = 60 * time.Second
)

// SourceTransport returns the transport for instance REST calls. Requests
// past SourceMaxConns wait for a free connection instead of dialing more.
func SourceTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       SourceMaxConns,
		MaxIdleConns:          SourceIdleConns,
		MaxIdleConnsPerHost:   SourceIdleConns,
		IdleConnTimeout:       SourceIdleTimeout,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
