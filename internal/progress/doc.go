// Package progress reports how a scan is going. It has two halves:
//
// The Hub batches Events emitted by workers on a background goroutine and fans
// them out to pluggable sinks (hit list file, Prometheus, Postgres, Pub/Sub).
// Emit never blocks a worker.
//
// The Reporter periodically reads a predictor snapshot and hands a one-line
// status to a Renderer, which draws a spinner on a terminal or writes log lines.
package progress
