// Package api hosts the HTTP server, middleware, and REST handlers over the
// extraction pipeline. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/postings to ingest one posting by URL or pasted text.
//   - POST /v1/postings/batch to ingest several URLs with bounded concurrency.
//   - GET /v1/postings?url= to read a stored record.
//   - POST /v1/postings/outreach to draft referral messages for a stored record.
package api
