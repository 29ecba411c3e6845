// Package forward implements the core request state machine: authenticate,
// classify, repair, attempt the primary upstream through the Credential
// Pool, and fall through to rescue or failure.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/cerebras-proxy/cerebras-proxy/internal/capture"
	"github.com/cerebras-proxy/cerebras-proxy/internal/classify"
	"github.com/cerebras-proxy/cerebras-proxy/internal/config"
	"github.com/cerebras-proxy/cerebras-proxy/internal/credential"
	"github.com/cerebras-proxy/cerebras-proxy/internal/logging"
	"github.com/cerebras-proxy/cerebras-proxy/internal/metrics"
	"github.com/cerebras-proxy/cerebras-proxy/internal/repair"
	"github.com/cerebras-proxy/cerebras-proxy/internal/tracing"
)

// Rescuer is the subset of the Rescue Router the engine depends on, kept as
// an interface so engine tests never need a live HTTP server for rescue.
// cmd/proxy adapts rescue.Router to this interface at wiring time.
type Rescuer interface {
	Dispatch(ctx context.Context, method, path string, headers http.Header, body []byte, modelOverride string) (*RescueResult, error)
}

// RescueResult mirrors rescue.Result. Kept as a local type because the
// rescue package imports forward for its header helpers; a direct import
// back would cycle.
type RescueResult struct {
	Upstream   string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Response is what the engine produces for the caller to mirror onto the
// inbound connection.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// maxRetriesMessage is the plain-text body for the FAIL terminal state.
const maxRetriesMessage = "Service unavailable: Maximum retries exceeded."

// userAgent is sent on every upstream attempt.
const userAgent = "Cerebras-Proxy/1.0"

// Engine wires the Credential Pool, Message Repairer, Route Classifier, and
// Rescue Router into the AUTH→CLASSIFY→REPAIR→ATTEMPT→RETURN|RESCUE|FAIL
// state machine described for the proxy's primary request path.
type Engine struct {
	cfg     *config.Config
	pool    *credential.Pool
	rescuer Rescuer
	client  *http.Client
	sink    capture.Sink
	logger  *zap.Logger
}

// New builds an Engine from its fully constructed collaborators.
func New(cfg *config.Config, pool *credential.Pool, rescuer Rescuer, client *http.Client, sink capture.Sink, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, pool: pool, rescuer: rescuer, client: client, sink: sink, logger: logger}
}

// Serve runs the full state machine for one already-authenticated inbound
// request. method/path are the normalized method and path (leading "v1/"
// already stripped); headers and body are the original inbound values.
// Serve never returns an error — every failure mode resolves to a Response,
// so nothing below AUTH surfaces as a Go error to the HTTP layer.
func (e *Engine) Serve(ctx context.Context, method, path string, headers http.Header, body []byte) Response {
	start := time.Now()

	decision := classify.Classify(path, headers.Get("Content-Length"), body, e.cfg.OversizeThresholdBytes, e.cfg.AlternativeA)

	forwardBody := body
	forwardHeaders := headers
	if classify.IsChatCompletionPath(path) && method == http.MethodPost {
		if repaired, changed, err := repair.RepairBody(body); err == nil && changed {
			forwardBody = repaired
			forwardHeaders = cloneHeaders(headers)
			forwardHeaders.Set("Content-Length", strconv.Itoa(len(forwardBody)))
		}
	}

	var resp Response
	var rescueUpstream string
	switch decision.Kind {
	case classify.Rescue:
		resp, rescueUpstream = e.rescue(ctx, method, path, forwardHeaders, forwardBody, decision.ModelOverride)
	default:
		resp, rescueUpstream = e.attemptPrimary(ctx, method, path, forwardHeaders, forwardBody, decision.ModelOverride)
	}

	e.capture(ctx, method, path, headers, body, resp, start, rescueUpstream)
	e.logServed(method, path, resp, body, start, rescueUpstream)
	return resp
}

// logServed emits one structured line per served response: request path,
// status, duration, which upstream served it (empty for the primary), and a
// redacted/truncated preview of the request body for debugging without
// writing full payloads into process logs.
func (e *Engine) logServed(method, path string, resp Response, body []byte, start time.Time, rescueUpstream string) {
	if e.logger == nil {
		return
	}
	e.logger.Info("served request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
		zap.String("rescue_upstream", rescueUpstream),
		zap.ByteString("body_preview", logging.Preview(body, logging.PreviewLimit)),
	)
}

// attemptPrimary runs the ATTEMPT loop against the primary upstream through
// the Credential Pool, for up to K = 2N attempts (two full sweeps).
func (e *Engine) attemptPrimary(ctx context.Context, method, path string, headers http.Header, body []byte, modelOverride string) (Response, string) {
	n := e.pool.Len()
	if n == 0 {
		return e.rescueOrFail(ctx, method, path, headers, body, modelOverride)
	}

	maxAttempts := 2 * n
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cred, err := e.pool.Select(ctx)
		if err != nil {
			return e.rescueOrFail(ctx, method, path, headers, body, modelOverride)
		}

		outcome, resp, err := e.attemptOnce(ctx, cred, method, path, headers, body)
		if err != nil {
			// TransientTransport: mark cooled defensively and keep looping.
			e.pool.MarkCooled(cred.Secret, e.cfg.Cooldown, "transient_transport")
			continue
		}

		switch outcome {
		case Ok:
			e.pool.MarkSuccess(cred.Secret)
			return resp, ""
		case EmbeddedQuota:
			e.pool.MarkSuccess(cred.Secret)
			return e.rescueOrReturn(ctx, method, path, headers, body, modelOverride, resp)
		case KeyPressure:
			e.pool.MarkCooled(cred.Secret, e.cfg.Cooldown, "key_pressure")
			if e.cfg.FallbackOnCooldown && e.pool.AllCooling() && e.hasRescue() {
				return e.rescueOrFail(ctx, method, path, headers, body, modelOverride)
			}
			continue
		case OverContext, Unavailable:
			return e.rescueOrReturn(ctx, method, path, headers, body, modelOverride, resp)
		default: // Other
			return resp, ""
		}
	}

	return e.fail(), ""
}

// attemptOnce issues exactly one upstream call against the primary with cred
// and classifies the outcome. A non-nil error means the call never produced
// a classifiable response (TransientTransport).
func (e *Engine) attemptOnce(ctx context.Context, cred credential.Credential, method, path string, headers http.Header, body []byte) (Outcome, Response, error) {
	spanCtx, span := tracing.StartAttempt(ctx, "primary", cred.Name)
	start := time.Now()

	url := strings.TrimRight(e.cfg.PrimaryBaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(spanCtx, method, url, bytes.NewReader(body))
	if err != nil {
		tracing.EndAttempt(span, TransientTransport.String(), err)
		return TransientTransport, Response{}, errors.Wrap(err, "build primary request")
	}
	CopyRequestHeaders(req.Header, headers)
	req.Header.Set("Authorization", "Bearer "+cred.Secret)
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = int64(len(body))

	upstreamResp, err := e.client.Do(req)
	if err != nil {
		metrics.GlobalRecorder.RecordAttempt("primary", TransientTransport.String(), time.Since(start))
		tracing.EndAttempt(span, TransientTransport.String(), err)
		return TransientTransport, Response{}, errors.Wrap(err, "primary upstream request")
	}
	defer upstreamResp.Body.Close()

	respBody, err := io.ReadAll(upstreamResp.Body)
	if err != nil {
		metrics.GlobalRecorder.RecordAttempt("primary", TransientTransport.String(), time.Since(start))
		tracing.EndAttempt(span, TransientTransport.String(), err)
		return TransientTransport, Response{}, errors.Wrap(err, "read primary response")
	}

	outcome := Classify(upstreamResp.StatusCode, respBody)
	metrics.GlobalRecorder.RecordAttempt("primary", outcome.String(), time.Since(start))
	tracing.EndAttempt(span, outcome.String(), nil)

	header := http.Header{}
	CopyResponseHeaders(header, upstreamResp.Header)

	return outcome, Response{StatusCode: upstreamResp.StatusCode, Header: header, Body: respBody}, nil
}

// rescueOrReturn transitions to RESCUE when a rescue upstream is configured,
// otherwise returns primaryResp to the caller verbatim (OverContext and
// Unavailable both fall through to the primary's own response when no
// rescue path exists).
func (e *Engine) rescueOrReturn(ctx context.Context, method, path string, headers http.Header, body []byte, modelOverride string, primaryResp Response) (Response, string) {
	if !e.hasRescue() {
		return primaryResp, ""
	}
	return e.rescue(ctx, method, path, headers, body, modelOverride)
}

// rescueOrFail transitions to RESCUE when a rescue upstream is configured,
// otherwise to FAIL.
func (e *Engine) rescueOrFail(ctx context.Context, method, path string, headers http.Header, body []byte, modelOverride string) (Response, string) {
	if !e.hasRescue() {
		return e.fail(), ""
	}
	return e.rescue(ctx, method, path, headers, body, modelOverride)
}

func (e *Engine) hasRescue() bool {
	return e.cfg.AlternativeA.Enabled() || e.cfg.AlternativeB.Enabled()
}

func (e *Engine) rescue(ctx context.Context, method, path string, headers http.Header, body []byte, modelOverride string) (Response, string) {
	result, err := e.rescuer.Dispatch(ctx, method, path, headers, body, modelOverride)
	if err != nil || result == nil {
		return e.fail(), ""
	}
	return Response{StatusCode: result.StatusCode, Header: result.Header, Body: result.Body}, result.Upstream
}

func (e *Engine) fail() Response {
	return Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       []byte(maxRetriesMessage),
	}
}

func (e *Engine) capture(ctx context.Context, method, path string, headers http.Header, originalBody []byte, resp Response, start time.Time, rescueUpstream string) {
	if e.sink == nil {
		return
	}
	e.sink.Record(ctx, capture.Record{
		Method:          method,
		Path:            path,
		RequestHeaders:  headers,
		RequestBody:     json.RawMessage(originalBody),
		ResponseStatus:  resp.StatusCode,
		ResponseHeaders: resp.Header,
		ResponseBody:    json.RawMessage(resp.Body),
		DurationMs:      time.Since(start).Milliseconds(),
		RescueUpstream:  rescueUpstream,
	})
}

func cloneHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}
