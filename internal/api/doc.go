// Package api hosts the status HTTP server and its middleware. Routes:
//   - GET /healthz and /readyz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the live scan position.
//   - GET /v1/hits?limit=&offset= for the exam ids found so far.
package api
