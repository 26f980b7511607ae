// Package results persists completed experiment runs to SQLite.
//
// Each run occupies one row in the runs table, keyed by its run id, with
// the algorithm summaries and per-variable scores in child tables. Writes
// are idempotent: replaying the same run id is a no-op, so a crashed batch
// can safely be rerun against the same database.
//
// The database uses WAL mode so reporting queries can run while a batch is
// still writing.
package results
