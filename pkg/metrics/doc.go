/*
Package metrics provides Prometheus metrics collection and exposition for the
scheduler.

Metrics are registered at package init and exposed via an HTTP handler for
scraping. Categories: scheduler state (tasks/workers/clients by
state/status), stimulus handling latency and counts, dispatcher latency and
steal counts, and failure-manager suspicion/failure/release counts.

Usage:

	metrics.TasksTotal.WithLabelValues("processing").Set(12)

	timer := metrics.NewTimer()
	// ... handle stimulus ...
	timer.ObserveDurationVec(metrics.StimulusDuration, "task-finished")

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
