// Package store provides SQLite-backed durable storage for the run log.
//
// The store keeps four tables:
//   - runs: one row per invocation of a plan
//   - job_runs: one row per matrix entry, updated as the entry progresses
//   - step_runs: one row per executed or skipped step
//   - artifacts: one row per published artifact
//
// # Ordering
//
// Rows written during a run carry a seq from the engine's logical clock.
// Every per-run read orders by seq ASC with a binary tiebreak, never by
// wall-clock time, so concurrent entries read back in a stable order.
//
// Runs themselves are listed newest first by start time; run IDs are UUIDv7
// and sort the same way.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes (the serve command reads
//     while a run writes)
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Store implements engine.Recorder.
package store
