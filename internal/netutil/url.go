// Package netutil validates configured upstream base URLs before they are dialed.
package netutil

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/Laisky/errors/v2"
)

// ValidateUpstreamBaseURL parses rawURL and rejects schemes, userinfo, and hosts that
// would let a misconfigured environment variable redirect outbound traffic somewhere
// unexpected (loopback, link-local, or another private network).
func ValidateUpstreamBaseURL(ctx context.Context, rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, errors.New("base url is empty")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, errors.Errorf("unsupported url scheme: %s", parsed.Scheme)
	}

	if parsed.User != nil {
		return nil, errors.New("base url must not include user info")
	}

	host := parsed.Hostname()
	if host == "" {
		return nil, errors.New("base url host is empty")
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsForbiddenIP(ip) {
			return nil, errors.Errorf("base url host is a private or local address: %s", host)
		}
		return parsed, nil
	}

	// Hostnames are accepted without a DNS lookup here: upstream base URLs are
	// configured once at startup, not supplied per-request, so SSRF pressure
	// from arbitrary user input does not apply the way it does to user-supplied
	// URLs. The loopback/private-IP check above still catches obvious mistakes.
	_ = ctx
	return parsed, nil
}

// IsForbiddenIP reports whether ip is loopback, private, link-local, or multicast.
func IsForbiddenIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	return isCarrierGradeNAT(ip)
}

// isCarrierGradeNAT reports whether ip falls within 100.64.0.0/10.
func isCarrierGradeNAT(ip net.IP) bool {
	ipv4 := ip.To4()
	if ipv4 == nil {
		return false
	}
	return ipv4[0] == 100 && (ipv4[1]&0xC0) == 0x40
}
