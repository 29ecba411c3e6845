// Package rescue dispatches a request to one of the two statically
// configured alternative upstreams when the primary cannot serve it.
package rescue

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/cerebras-proxy/cerebras-proxy/internal/config"
	"github.com/cerebras-proxy/cerebras-proxy/internal/forward"
	"github.com/cerebras-proxy/cerebras-proxy/internal/metrics"
)

// Result is what one rescue dispatch produced: the upstream it came from and
// the raw response, ready to mirror back to the caller.
type Result struct {
	Upstream   string // "synthetic" or "zai"
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Router holds the two alternative upstream configurations and the HTTP
// client used to reach them.
type Router struct {
	altA   config.RescueUpstream
	altB   config.RescueUpstream
	client *http.Client
	logger *zap.Logger
}

// New builds a Router. Either upstream may be disabled (no API key); the
// dispatch sequence skips disabled upstreams.
func New(altA, altB config.RescueUpstream, client *http.Client, logger *zap.Logger) *Router {
	return &Router{altA: altA, altB: altB, client: client, logger: logger}
}

// Dispatch sends body (with its "model" field rewritten) to alternative-A
// first, falling through to alternative-B on any status ≥ 400 or transport
// error. If alternative-A is disabled, dispatch starts at alternative-B. If
// both are disabled, Dispatch returns nil, nil and the caller must respond
// 503 itself.
//
// modelOverride, when non-empty, replaces alternative-A's default model
// (used for vision-routed requests); alternative-B always receives its own
// default model.
func (r *Router) Dispatch(ctx context.Context, method, path string, headers http.Header, body []byte, modelOverride string) (*Result, error) {
	if r.altA.Enabled() {
		result, err := r.attempt(ctx, r.altA, method, path, headers, body, modelOverride)
		if err == nil && result.StatusCode < 400 {
			metrics.GlobalRecorder.RecordRescueDispatch(r.altA.Name, true)
			return result, nil
		}
		metrics.GlobalRecorder.RecordRescueDispatch(r.altA.Name, false)
		if r.logger != nil {
			r.logger.Info("rescue alternative-A did not succeed, falling through to alternative-B",
				zap.Error(err))
		}
	}

	if r.altB.Enabled() {
		result, err := r.attempt(ctx, r.altB, method, path, headers, body, "")
		if err != nil {
			metrics.GlobalRecorder.RecordRescueDispatch(r.altB.Name, false)
			return nil, errors.Wrap(err, "dispatch to alternative-B")
		}
		metrics.GlobalRecorder.RecordRescueDispatch(r.altB.Name, result.StatusCode < 400)
		return result, nil
	}

	return nil, nil
}

// attempt makes exactly one call to upstream; no retries.
func (r *Router) attempt(ctx context.Context, upstream config.RescueUpstream, method, path string, headers http.Header, body []byte, modelOverride string) (*Result, error) {
	rewritten, err := rewriteModel(body, resolveModel(upstream, modelOverride))
	if err != nil {
		rewritten = body
	}

	url := strings.TrimRight(upstream.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(rewritten))
	if err != nil {
		return nil, errors.Wrap(err, "build rescue request")
	}

	forward.CopyRequestHeaders(req.Header, headers)
	req.Header.Set("Authorization", "Bearer "+upstream.APIKey)
	req.Header.Set("User-Agent", "Cerebras-Proxy/1.0")
	req.ContentLength = int64(len(rewritten))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "rescue upstream request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read rescue response body")
	}

	header := http.Header{}
	forward.CopyResponseHeaders(header, resp.Header)

	return &Result{
		Upstream:   upstream.Name,
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
	}, nil
}

// resolveModel picks the model name to forward: the vision override if one
// was supplied, otherwise the upstream's own default model.
func resolveModel(upstream config.RescueUpstream, modelOverride string) string {
	if modelOverride != "" {
		return modelOverride
	}
	return upstream.DefaultModel
}

// rewriteModel replaces the payload's top-level "model" field. Bodies that
// are not a JSON object yield an error; attempt then forwards the body
// unchanged.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal rescue payload")
	}

	modelJSON, err := json.Marshal(model)
	if err != nil {
		return nil, errors.Wrap(err, "marshal model override")
	}
	payload["model"] = modelJSON

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal rescue payload")
	}
	return out, nil
}
