// Package storage persists scheduled jobs and notifier dedup state.
//
// Drivers:
//   - "file": JSON Lines journal + snapshot, compacted periodically
//   - "sqlite": modernc.org/sqlite database file (WAL)
//   - "memory": process-local, nothing survives a restart
package storage
