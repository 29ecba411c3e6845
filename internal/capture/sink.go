// Package capture persists a structured record of every served response to
// the filesystem, asynchronously and without ever affecting what the client
// receives.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"

	"github.com/cerebras-proxy/cerebras-proxy/internal/graceful"
	"github.com/cerebras-proxy/cerebras-proxy/internal/logging"
	"github.com/cerebras-proxy/cerebras-proxy/internal/metrics"
)

// Record is the structured document written per served response, matching
// the core's record() call.
type Record struct {
	At              time.Time           `json:"at"`
	ID              string              `json:"id"`
	Method          string              `json:"method"`
	Path            string              `json:"path"`
	RequestHeaders  map[string][]string `json:"request_headers"`
	RequestBody     json.RawMessage     `json:"request_body,omitempty"`
	ResponseStatus  int                 `json:"response_status"`
	ResponseHeaders map[string][]string `json:"response_headers"`
	ResponseBody    json.RawMessage     `json:"response_body,omitempty"`
	DurationMs      int64               `json:"duration_ms"`
	RescueUpstream  string              `json:"rescue_upstream,omitempty"`
}

// Sink is the external interface the Forward Engine calls to persist a
// served response, including responses produced by the Rescue Router. Implementations must never block the
// response path beyond enqueueing.
type Sink interface {
	Record(ctx context.Context, rec Record)
}

// queueDepth bounds the in-flight backlog of pending writes; once full,
// new records are dropped and counted rather than applying backpressure to
// request handling.
const queueDepth = 256

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileSink writes one JSON file per record under a date-partitioned
// directory tree, draining a bounded channel on a single background
// goroutine launched through internal/graceful.
type FileSink struct {
	logDir string
	queue  chan Record
	logger *zap.Logger
}

// NewFileSink starts a FileSink rooted at logDir. The background drain
// goroutine runs until ctx is canceled.
func NewFileSink(ctx context.Context, logDir string, logger *zap.Logger) *FileSink {
	s := &FileSink{
		logDir: logDir,
		queue:  make(chan Record, queueDepth),
		logger: logger,
	}
	graceful.Go(ctx, logger, "capture-sink-drain", s.drain)
	return s
}

// Record enqueues rec for persistence, sanitizing headers internally so
// every caller gets the same redaction guarantee regardless of what it
// passed in.
func (s *FileSink) Record(ctx context.Context, rec Record) {
	rec.RequestHeaders = logging.SanitizeHeaders(rec.RequestHeaders)
	rec.ResponseHeaders = logging.SanitizeHeaders(rec.ResponseHeaders)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	select {
	case s.queue <- rec:
	default:
		metrics.GlobalRecorder.RecordCaptureDrop("queue_full")
		if s.logger != nil {
			s.logger.Warn("capture queue full, dropping record", zap.String("id", rec.ID))
		}
	}
}

func (s *FileSink) drain(ctx context.Context) {
	for {
		select {
		case rec := <-s.queue:
			if err := s.write(rec); err != nil {
				metrics.GlobalRecorder.RecordCaptureDrop("write_error")
				if s.logger != nil {
					s.logger.Warn("capture write failed", zap.Error(err), zap.String("id", rec.ID))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *FileSink) write(rec Record) error {
	dir := filepath.Join(s.logDir, rec.At.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create capture directory")
	}

	name := fileName(rec)
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal capture record")
	}

	return errors.Wrap(os.WriteFile(filepath.Join(dir, name), payload, 0o644), "write capture file")
}

// fileName builds "<ts>_<method>_<safe_path>_<id>.json", prefixed with
// "[SYNTHETIC]" or "[ZAI]" when the record came from a rescue dispatch.
func fileName(rec Record) string {
	safePath := unsafePathChars.ReplaceAllString(strings.TrimPrefix(rec.Path, "/"), "_")
	if safePath == "" {
		safePath = "root"
	}

	base := fmt.Sprintf("%d_%s_%s_%s.json", rec.At.UnixMilli(), rec.Method, safePath, rec.ID)
	switch strings.ToLower(rec.RescueUpstream) {
	case "synthetic":
		return "[SYNTHETIC]" + base
	case "zai":
		return "[ZAI]" + base
	default:
		return base
	}
}

// HeadersFrom converts an http.Header into the plain map Record expects.
func HeadersFrom(h http.Header) map[string][]string {
	return map[string][]string(h)
}
