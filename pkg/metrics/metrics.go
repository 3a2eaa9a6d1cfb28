package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	JobsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mazuadm_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to the container pool",
		},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mazuadm_jobs_finished_total",
			Help: "Total number of finished jobs by terminal status",
		},
		[]string{"status"},
	)

	FlagsExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mazuadm_flags_extracted_total",
			Help: "Total number of flags extracted from job output",
		},
	)

	RoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mazuadm_round_duration_seconds",
			Help:    "Wall-clock duration of a full round in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mazuadm_job_duration_seconds",
			Help:    "Duration of a single job exec in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Container pool metrics
	ContainersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mazuadm_containers_spawned_total",
			Help: "Total number of exploit containers spawned",
		},
	)

	ContainersDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mazuadm_containers_destroyed_total",
			Help: "Total number of exploit containers destroyed",
		},
	)

	ContainersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mazuadm_containers_running",
			Help: "Number of exploit containers currently believed running",
		},
	)

	ExecsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mazuadm_execs_active",
			Help: "Number of execs currently in flight across all containers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mazuadm_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mazuadm_ws_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mazuadm_events_published_total",
			Help: "Total number of events published on the bus",
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mazuadm_events_dropped_total",
			Help: "Total number of events dropped because a subscriber lagged",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsDispatched)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(FlagsExtracted)
	prometheus.MustRegister(RoundDuration)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ContainersSpawned)
	prometheus.MustRegister(ContainersDestroyed)
	prometheus.MustRegister(ContainersRunning)
	prometheus.MustRegister(ExecsActive)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(WSConnections)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
