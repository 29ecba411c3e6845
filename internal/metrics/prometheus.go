package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder on top of the default Prometheus registry.
type PrometheusRecorder struct {
	attemptDuration   *prometheus.HistogramVec
	rotations         *prometheus.CounterVec
	credentialAvail   *prometheus.GaugeVec
	credentialErrors  *prometheus.GaugeVec
	rescueDispatches  *prometheus.CounterVec
	captureDrops      *prometheus.CounterVec
}

// NewPrometheusRecorder registers the proxy's metric families and returns a
// ready-to-use Recorder. Registration panics on duplicate registration, the
// same behavior relied on elsewhere in the corpus (metrics are wired once at
// startup, not per-request).
func NewPrometheusRecorder() *PrometheusRecorder {
	r := &PrometheusRecorder{
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cerebras_proxy",
			Name:      "upstream_duration_seconds",
			Help:      "Duration of upstream attempts by upstream and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"upstream", "outcome"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cerebras_proxy",
			Name:      "credential_rotations_total",
			Help:      "Number of times a credential was rotated away from.",
		}, []string{"credential", "reason"}),
		credentialAvail: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cerebras_proxy",
			Name:      "credential_available",
			Help:      "1 if the credential is currently available, 0 if cooling.",
		}, []string{"credential"}),
		credentialErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cerebras_proxy",
			Name:      "credential_error_count",
			Help:      "Consecutive error count for the credential.",
		}, []string{"credential"}),
		rescueDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cerebras_proxy",
			Name:      "rescue_dispatch_total",
			Help:      "Rescue upstream dispatch attempts by outcome.",
		}, []string{"upstream", "outcome"}),
		captureDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cerebras_proxy",
			Name:      "capture_drops_total",
			Help:      "Capture sink writes dropped, by reason.",
		}, []string{"reason"}),
	}

	prometheus.MustRegister(
		r.attemptDuration,
		r.rotations,
		r.credentialAvail,
		r.credentialErrors,
		r.rescueDispatches,
		r.captureDrops,
	)

	return r
}

func (r *PrometheusRecorder) RecordAttempt(upstream, outcome string, duration time.Duration) {
	r.attemptDuration.WithLabelValues(upstream, outcome).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordRotation(name, reason string) {
	r.rotations.WithLabelValues(name, reason).Inc()
}

func (r *PrometheusRecorder) UpdateCredentialState(name string, available bool, errorCount int) {
	availValue := 0.0
	if available {
		availValue = 1.0
	}
	r.credentialAvail.WithLabelValues(name).Set(availValue)
	r.credentialErrors.WithLabelValues(name).Set(float64(errorCount))
}

func (r *PrometheusRecorder) RecordRescueDispatch(upstream string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	r.rescueDispatches.WithLabelValues(upstream, outcome).Inc()
}

func (r *PrometheusRecorder) RecordCaptureDrop(reason string) {
	r.captureDrops.WithLabelValues(reason).Inc()
}
