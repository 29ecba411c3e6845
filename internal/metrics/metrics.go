// Package metrics defines the recorder interface used by the forwarding engine
// and credential pool, with a Prometheus-backed implementation and a no-op
// fallback for when metrics are disabled.
package metrics

import "time"

// Recorder is the narrow metrics contract the core depends on. Unlike the
// teacher's MetricsRecorder (which also covers billing, users, and Redis), this
// interface only names what the Credential Pool, Forward Engine, and Rescue
// Router actually emit.
type Recorder interface {
	// RecordAttempt records one upstream attempt outcome.
	RecordAttempt(upstream, outcome string, duration time.Duration)
	// RecordRotation records a credential rotation away from name for reason.
	RecordRotation(name, reason string)
	// UpdateCredentialState reports a credential's current availability and error count.
	UpdateCredentialState(name string, available bool, errorCount int)
	// RecordRescueDispatch records a dispatch attempt to a rescue upstream.
	RecordRescueDispatch(upstream string, success bool)
	// RecordCaptureDrop records a capture write that was dropped (queue full or write error).
	RecordCaptureDrop(reason string)
}

// GlobalRecorder is the active recorder; defaults to a no-op implementation.
var GlobalRecorder Recorder = &NoOpRecorder{}

// NoOpRecorder discards every metric. It is the default so the core never has
// a nil-recorder panic regardless of wiring order.
type NoOpRecorder struct{}

func (NoOpRecorder) RecordAttempt(string, string, time.Duration)  {}
func (NoOpRecorder) RecordRotation(string, string)                {}
func (NoOpRecorder) UpdateCredentialState(string, bool, int)      {}
func (NoOpRecorder) RecordRescueDispatch(string, bool)            {}
func (NoOpRecorder) RecordCaptureDrop(string)                     {}
