// Package api hosts the ops HTTP server for a running crawl. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for live progress of the current or last run.
//   - GET /v1/run/failed for the failed identifiers in the checkpoint.
package api
