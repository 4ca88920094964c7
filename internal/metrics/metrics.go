package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the hsmwiz metrics on a private registry. A CLI run is
// short-lived, so the registry is flushed to a node_exporter textfile
// instead of being scraped.
type Recorder struct {
	registry *prometheus.Registry

	// External tool invocations by binary and exit status
	ToolInvocationsTotal *prometheus.CounterVec

	// Tool duration histogram
	ToolDuration *prometheus.HistogramVec

	// Device operations by command and outcome
	OperationsTotal *prometheus.CounterVec
}

// NewRecorder registers the metrics on a fresh registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		ToolInvocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsmwiz_tool_invocations_total",
				Help: "Total number of external tool invocations by tool and exit status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hsmwiz_tool_duration_seconds",
				Help:    "External tool run time in seconds by tool",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsmwiz_operations_total",
				Help: "Total number of device operations by operation and status",
			},
			[]string{"operation", "status"},
		),
	}
}

// ObserveInvocation records a finished tool run. Exit status 0 is "ok",
// anything else is reported as "exit_<code>".
func (r *Recorder) ObserveInvocation(tool string, exitCode int, elapsed time.Duration) {
	status := "ok"
	if exitCode != 0 {
		status = "exit_" + strconv.Itoa(exitCode)
	}
	r.ToolInvocationsTotal.WithLabelValues(tool, status).Inc()
	r.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordOperation records a device operation outcome
func (r *Recorder) RecordOperation(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.OperationsTotal.WithLabelValues(operation, status).Inc()
}

// WriteTextfile atomically writes all metrics in text exposition format
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
