// Package api hosts the HTTP server, middleware, and REST handlers for the
// crawl service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to start a crawl, queued or waited on.
//   - GET /v1/crawls/status and /v1/crawls/results per base URL.
//   - GET /v1/crawls/runs and /v1/crawls/runs/{run_id} for run history.
//   - POST /v1/crawls/recover to repair an interrupted scope.
//   - GET and POST /v1/topics for the classification labels.
package api
