// Package metrics provides Prometheus instrumentation for tokenflow components.
//
// # Quick Start
//
// Wrap a limiter with the metrics-enabled constructor:
//
//	limiter := bucket.NewWithMetrics(10, 20, "api_requests")
//
// Then expose metrics via HTTP:
//
//	http.Handle("/metrics", promhttp.Handler())
//	log.Fatal(http.ListenAndServe(":9090", nil))
//
// # Custom Registry
//
// Use a dedicated Prometheus registry to keep tests and multiple
// instances isolated:
//
//	reg := prometheus.NewRegistry()
//	limiter := bucket.NewWithConfigAndMetrics(
//		bucket.Config{Rate: 5, Burst: 10},
//		"custom_limiter",
//		metrics.Config{Enabled: true, Registry: reg},
//	)
//
// # Available Metrics
//
//   - tokenflow_ratelimit_requests_total: tokens requested
//   - tokenflow_ratelimit_allowed_total: tokens granted
//   - tokenflow_ratelimit_denied_total: tokens refused
//   - tokenflow_ratelimit_wait_duration_seconds: delay until the act instant
//   - tokenflow_ratelimit_tokens_available: current balance (negative while in debt)
//   - tokenflow_ratelimit_reconfigurations_total: SetLimit/SetBurst calls by parameter and outcome
//   - tokenflow_ratelimit_rate_tokens_per_second, tokenflow_ratelimit_burst_tokens
//   - tokenflow_reconfig_runs_total: scheduled changes by schedule id and outcome
//   - tokenflow_keyed_limiters: live limiters in a keyed registry
//
// The limiter metrics carry limiter_type ("token_bucket") and limiter_name labels.
package metrics
