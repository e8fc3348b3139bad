// Package cmd defines the examscan CLI.
//
// Usage:
//
//	examscan scan --session-cookie COOKIE --session-id ID [-t THREADS] BASE_ID TARGET_ID
//
// Every flag has a config file key and an EXAMSCAN_* environment variable,
// e.g. EXAMSCAN_SESSION_COOKIE or scan.threads in examscan.yaml. Optional
// outputs are enabled by configuration alone:
//   - output.hits_file appends each hit as one line.
//   - db.dsn records runs and hits in Postgres.
//   - pubsub.project_id with pubsub.topic_id publishes a message per hit.
//   - report.local_dir or report.gcs_bucket stores a JSON report per run.
//   - server.listen serves /v1/status, /v1/hits and /metrics while scanning.
package cmd
