// Package ledger records every run under its caller-supplied identifier.
//
// The Ledger service implements the idempotency protocol on top of a
// core.LedgerStore: Start inserts a pending record or reports a replay of an
// existing one, and Complete/Fail move a pending record to its terminal
// status exactly once. Later finalization attempts are silent no-ops.
//
// Stores:
//   - InMemoryStore: process-local map, for tests and single-process servers
//   - ledger/mongo: MongoDB collection with a unique run_id index
//   - ledger/redis: one JSON value per run, finalized with WATCH/MULTI
package ledger
