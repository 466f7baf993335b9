package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captioner_jobs_total",
			Help: "Jobs finished per outcome (done, describe, sidecar, stage).",
		},
		[]string{"outcome"},
	)

	describeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "captioner_describe_seconds",
			Help:    "Vision model call latency in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160, 320},
		},
		[]string{"backend", "model", "success"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captioner_runs_total",
			Help: "Batch runs per final state.",
		},
		[]string{"state"},
	)

	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "captioner_runs_active",
			Help: "1 while a batch run is in progress.",
		},
	)
)

// MustRegister registers all collectors with the default registry exactly once
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(jobsTotal, describeSeconds, runsTotal, runsActive)
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// JobFinished counts a job by the step it stopped at
func JobFinished(outcome string) {
	jobsTotal.WithLabelValues(norm(outcome)).Inc()
}

// ObserveDescribe records one model call
func ObserveDescribe(backend, model string, d time.Duration, success bool) {
	describeSeconds.WithLabelValues(norm(backend), norm(model), strconv.FormatBool(success)).Observe(d.Seconds())
}

// RunStarted marks a run as in progress
func RunStarted() {
	runsActive.Set(1)
}

// RunFinished counts a run by its final state
func RunFinished(state string) {
	runsActive.Set(0)
	runsTotal.WithLabelValues(norm(state)).Inc()
}

func norm(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "unknown"
	}
	return s
}
