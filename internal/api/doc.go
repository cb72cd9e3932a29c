// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/videos, /v1/channels and /v1/searches to seed the pipeline.
//   - GET /v1/queues and /v1/queues/{name} for task state, and
//     POST /v1/queues/{name}/reclaim to requeue stale tasks.
package api
