// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sources/{source_id}/crawl to trigger a crawl.
//   - GET /v1/sources/{source_id}/progress, /v1/sources/{source_id}/pages and
//     /v1/pages/{page_id}/chunks for progress reporting.
package api
