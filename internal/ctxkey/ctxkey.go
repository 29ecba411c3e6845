// Package ctxkey defines the gin.Context keys shared across middleware and handlers.
package ctxkey

const (
	// RequestID stores the per-request correlation id.
	RequestID = "X-Request-Id"
	// ClientCredentialID stores the authenticated client credential's row id.
	ClientCredentialID = "client-credential-id"
	// ClientCredentialName stores the authenticated client credential's name.
	ClientCredentialName = "client-credential-name"
	// RequestBody caches the raw inbound request body so it can be read more than once.
	RequestBody = "request-body"
	// RoutingDecision caches the outcome of route classification for the current request.
	RoutingDecision = "routing-decision"
)
