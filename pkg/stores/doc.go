// Package stores provides the agent's state journal, a SQLite database
// (modernc.org/sqlite, WAL mode) migrated with golang-migrate from embedded
// SQL files.
//
// The journal keeps the latest execution state and runtime handle of every
// workload so that a restarted agent continues generations where it left
// off and can adopt workloads that are still running. It also keeps an
// append-only transition history and the outcome of every batch, which the
// driftwood CLI reads for its state and history commands.
package stores
