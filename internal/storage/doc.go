// Package storage is the relational persistence behind the broadcast
// orchestrator.
//
// It supports:
//   - sqlite (modernc.org/sqlite, pure Go; single writer connection)
//   - postgres (github.com/lib/pq)
//
// Both dialects share one set of queries. Counters are only ever changed with
// "col = col + ?" and lifecycle moves are conditional UPDATEs, so concurrent
// dispatch tasks never lose writes.
package storage
