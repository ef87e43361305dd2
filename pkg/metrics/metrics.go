package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler state metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skein_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skein_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	ClientsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skein_clients_total",
			Help: "Total number of connected clients",
		},
	)

	// Stimulus handling metrics
	StimulusDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skein_stimulus_duration_seconds",
			Help:    "Time taken to process a stimulus by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	StimulusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skein_stimulus_total",
			Help: "Total stimuli processed by operation",
		},
		[]string{"op"},
	)

	// Dispatcher metrics
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skein_dispatch_duration_seconds",
			Help:    "Time taken to choose a worker for a ready task",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to a worker",
		},
	)

	StealsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_steals_total",
			Help: "Total number of tasks moved from a loaded worker's stack to an idle worker",
		},
	)

	// Failure manager metrics
	SuspicionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_suspicions_total",
			Help: "Total number of suspicion increments recorded against tasks",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_tasks_failed_total",
			Help: "Total number of tasks that transitioned to erred",
		},
	)

	TasksReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_tasks_released_total",
			Help: "Total number of tasks that transitioned to released",
		},
	)

	WorkersLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_workers_lost_total",
			Help: "Total number of workers removed due to heartbeat timeout or explicit close",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ClientsTotal)
	prometheus.MustRegister(StimulusDuration)
	prometheus.MustRegister(StimulusTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(StealsTotal)
	prometheus.MustRegister(SuspicionsTotal)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksReleased)
	prometheus.MustRegister(WorkersLost)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
