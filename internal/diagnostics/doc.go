// Package diagnostics inspects the host and worker processes.
//
//   - Preflight checks free memory before a worker process is spawned and
//     lists the host GPUs for /health.
//   - KillProcessTree terminates a worker together with anything it started,
//     which is how an in-flight worker call is cancelled.
//   - Inspect reports resource usage of a running worker.
package diagnostics
