package forward

import (
	"net/http"
	"strings"
)

// hopByHopRequest lists headers never forwarded to an upstream: Authorization
// is replaced with the selected credential, Host belongs to the connection
// not the message, and Content-Length is re-derived from the (possibly
// repaired) body.
var hopByHopRequest = map[string]struct{}{
	"authorization":  {},
	"host":           {},
	"content-length": {},
}

// hopByHopResponse lists headers stripped from an upstream response before
// mirroring it to the client; the outbound transport re-derives all three.
var hopByHopResponse = map[string]struct{}{
	"content-length":    {},
	"transfer-encoding": {},
	"content-encoding":  {},
}

// CopyRequestHeaders copies src into dst, dropping hop-by-hop request
// headers and the credential's Authorization, which the caller sets itself.
func CopyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		if _, skip := hopByHopRequest[strings.ToLower(key)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// CopyResponseHeaders copies src into dst, dropping hop-by-hop response headers.
func CopyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if _, skip := hopByHopResponse[strings.ToLower(key)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
