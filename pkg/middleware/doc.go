// Package middleware provides HTTP middleware for the sync service.
//
// This package includes:
//   - Prometheus metrics middleware plus the relay metric hooks
//   - OpenTelemetry tracing middleware
//   - Request logging built on httpsnoop
//
// # Prometheus Metrics
//
// The Prometheus middleware times HTTP requests and registers the
// service counters used by the relay and the update store:
//   - loomsync_active_sessions: current live relay sessions
//   - loomsync_messages_relayed_total: update payloads relayed
//   - loomsync_replayed_records_total: stored records replayed on join
//   - loomsync_auth_rejections_total: connections rejected by authorization
//
//	r := chi.NewRouter()
//	r.Use(middleware.Prometheus())
//	r.Handle("/metrics", promhttp.Handler())
//
// # OpenTelemetry
//
// The OpenTelemetry middleware traces every request using the global
// tracer provider and injects the span context into the request
// context so database drivers and HTTP clients inherit the trace.
//
//	r.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("loomsync"),
//	    middleware.WithRequestFilter(func(r *http.Request) bool {
//	        return r.URL.Path != "/healthz"
//	    }),
//	))
//
// # Request Logging
//
// The logging middleware records method, path, status, size, and
// duration per request via slog.
//
//	r.Use(middleware.RequestLogger(logger))
package middleware
