package index

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// indexTransport is shared by every HTTPClient in the process. An index
// deployment is one host (or a few behind a balancer), so the idle pool is
// sized per host rather than globally.
var indexTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          64,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   5 * time.Second,
	ExpectContinueTimeout: time.Second,
}

var (
	clientsMu sync.Mutex
	clients   = map[time.Duration]*http.Client{}
)

// pooledClient returns the process-wide client for timeout. Clients with
// different timeouts still share connections through indexTransport.
func pooledClient(timeout time.Duration) *http.Client {
	clientsMu.Lock()
	defer clientsMu.Unlock()
	if c, ok := clients[timeout]; ok {
		return c
	}
	c := &http.Client{Timeout: timeout, Transport: indexTransport}
	clients[timeout] = c
	return c
}
