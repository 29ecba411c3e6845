// Package httpclient builds the outbound HTTP client used to reach upstream
// chat-completion APIs.
package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"
)

// New builds the shared client used for all upstream calls (primary and rescue).
//
// Streaming chat completions can run for minutes, so the timeout is generous; the
// Credential Pool's cooldown sleep is the only other timed wait in the proxy
// (spec §5 Timeouts).
func New() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			// Disable HTTP/2 to avoid stream-level errors surfacing as opaque
			// transport failures that would otherwise get misclassified as
			// TransientTransport outcomes.
			TLSNextProto:        make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
