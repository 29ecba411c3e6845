// Package classify makes the pre-dispatch routing decision for an inbound
// request: serve it from the primary upstream, rescue it to an alternative
// upstream, or reject it outright. Classification never touches the network
// and never mutates its input.
package classify

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cerebras-proxy/cerebras-proxy/internal/config"
)

// Kind is the routing decision's sum-type tag.
type Kind int

const (
	// Primary serves the request from the primary upstream pool.
	Primary Kind = iota
	// Rescue skips the primary upstream entirely and dispatches through the
	// Rescue Router, optionally with a model override.
	Rescue
	// Reject fails the request before any upstream dispatch is attempted.
	Reject
)

// Decision is the Route Classifier's output.
type Decision struct {
	Kind          Kind
	ModelOverride string // set only for Rescue on a vision request
	Status        int    // set only for Reject
	Message       string // set only for Reject
}

// chatCompletionPath matches the chat-completions route after the inbound
// request has had any leading "v1/" segment stripped (see httpapi).
const chatCompletionPath = "chat/completions"

// IsChatCompletionPath reports whether path (already normalized, see
// NormalizePath) is the chat-completions route the Repairer and oversize
// check apply to.
func IsChatCompletionPath(path string) bool {
	return strings.HasSuffix(strings.TrimSuffix(path, "/"), chatCompletionPath)
}

// NormalizePath strips a single leading "v1/" segment, since the upstream
// base URL already carries that prefix and double-prefixing it is forbidden.
func NormalizePath(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	trimmed = strings.TrimPrefix(trimmed, "v1/")
	return trimmed
}

// ByContentLength applies the oversize pre-read check: a chat-completion POST
// whose declared Content-Length exceeds threshold is provisionally routed to
// Rescue before the body is even read. Callers must revert this decision to
// Primary if the body subsequently fails to parse as JSON (spec behavior:
// the primary upstream produces its own error in that case).
func ByContentLength(path string, contentLength int64, threshold int64) Decision {
	if !IsChatCompletionPath(path) {
		return Decision{Kind: Primary}
	}
	if contentLength > 0 && contentLength > threshold {
		return Decision{Kind: Rescue}
	}
	return Decision{Kind: Primary}
}

// messageContent mirrors just enough of the chat-completions schema to find
// vision content; everything else is irrelevant to classification.
type messageContent struct {
	Type string `json:"type"`
}

type message struct {
	Content json.RawMessage `json:"content"`
}

type chatCompletionRequest struct {
	Messages []message `json:"messages"`
}

// ByBody applies the post-parse vision check against an already-read body.
// body must be the original, unrepaired request body. A body that fails to
// parse as JSON yields Primary — reverting any provisional oversize
// decision, per spec.
func ByBody(body []byte, visionModel string) Decision {
	var req chatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return Decision{Kind: Primary}
	}

	for _, m := range req.Messages {
		if hasVisionContent(m.Content) {
			return Decision{Kind: Rescue, ModelOverride: visionModel}
		}
	}
	return Decision{Kind: Primary}
}

// hasVisionContent reports whether a message's content field is a sequence
// containing an element whose "type" is "image_url". Content may be a plain
// string (never vision) or an array of typed parts.
func hasVisionContent(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}

	var parts []messageContent
	if err := json.Unmarshal(raw, &parts); err != nil {
		return false
	}
	for _, p := range parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// Classify runs the full pre-dispatch classification for a chat-completion
// request: oversize against the declared Content-Length header, then vision
// against the parsed body. alt is the alternative upstream whose vision
// model applies (alternative-A, per spec §4.5).
//
// If the pre-read oversize check fires but body fails to parse as JSON, the
// decision reverts to Primary — the primary upstream produces its own error.
func Classify(path, contentLengthHeader string, body []byte, threshold int64, alt config.RescueUpstream) Decision {
	if !IsChatCompletionPath(path) {
		return Decision{Kind: Primary}
	}

	contentLength, _ := strconv.ParseInt(contentLengthHeader, 10, 64)
	oversize := ByContentLength(path, contentLength, threshold)

	var req chatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return Decision{Kind: Primary}
	}

	for _, m := range req.Messages {
		if hasVisionContent(m.Content) {
			return Decision{Kind: Rescue, ModelOverride: alt.VisionModel}
		}
	}

	return oversize
}
