package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container lifecycle metrics
	ContainerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoosegow_container_operations_total",
			Help: "Total number of container control operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	ContainerOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoosegow_container_operation_duration_seconds",
			Help:    "Container control operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	PrestartHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hoosegow_prestart_hits_total",
			Help: "Total number of calls served by a prestarted container",
		},
	)

	DeleteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hoosegow_container_delete_failures_total",
			Help: "Total number of container deletions that failed and were swallowed",
		},
	)

	HookFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoosegow_hook_failures_total",
			Help: "Total number of lifecycle hook failures by hook",
		},
		[]string{"hook"},
	)

	// Image metrics
	ImageBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoosegow_image_builds_total",
			Help: "Total number of image builds by result (built, skipped, failed)",
		},
		[]string{"result"},
	)

	// Call metrics
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoosegow_calls_total",
			Help: "Total number of inmate calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoosegow_call_duration_seconds",
			Help:    "Inmate call duration in seconds, including container lifecycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	YieldsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoosegow_yields_total",
			Help: "Total number of yield messages received by method",
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ContainerOperationsTotal)
	prometheus.MustRegister(ContainerOperationDuration)
	prometheus.MustRegister(PrestartHits)
	prometheus.MustRegister(DeleteFailures)
	prometheus.MustRegister(HookFailures)
	prometheus.MustRegister(ImageBuildsTotal)
	prometheus.MustRegister(CallsTotal)
	prometheus.MustRegister(CallDuration)
	prometheus.MustRegister(YieldsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in seconds on the histogram
// selected by labels.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// RecordOperation counts a container operation and observes its duration.
func RecordOperation(operation string, timer *Timer, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ContainerOperationsTotal.WithLabelValues(operation, status).Inc()
	timer.ObserveDurationVec(ContainerOperationDuration, operation)
}
