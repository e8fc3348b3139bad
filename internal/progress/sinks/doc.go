// Package sinks holds the progress.Sink implementations wired into a scan:
// Prometheus counters, the hit list file, the Postgres hit store, Pub/Sub hit
// notifications and a debug log. Consume may be called with any batch size and
// Close is safe to call more than once.
package sinks
