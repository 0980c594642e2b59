// Package metrics exposes Prometheus instrumentation and the service
// health registry.
//
// Metrics are package-level collectors registered in init() and
// updated directly by the owning components; the Collector
// periodically gauges fleet-wide state (device counts by status,
// queue depth, cache size) that no single component observes.
//
// The health side tracks named components ("database", "scheduler",
// "mcp") for the /health and /ready endpoints:
//
//	metrics.RegisterComponent("scheduler", true, "")
//	mux.HandleFunc("/health", metrics.HealthHandler())
//	mux.Handle("/metrics", metrics.Handler())
//
// All metric names carry the rosfleet_ prefix.
package metrics
