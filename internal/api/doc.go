// Package api hosts the serve-mode HTTP server, middleware, and REST handlers
// for operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/checkpoints for the stored per-source watermarks.
//   - GET /v1/runs/last for the latest run summary.
//   - POST /v1/runs to start a pass ahead of the schedule.
package api
