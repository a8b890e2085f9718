// Package store provides SQLite-backed durable storage for combination state.
//
// The store is the single source of truth for two kinds of records:
//   - Combinations: one row per (operator, contract, version) key
//   - Capacity: the singleton counter of in-flight executions
//
// # Write Discipline
//
// Every write that depends on prior state is a compare-and-swap expressed
// in SQL and evaluated by SQLite:
//   - PutIfAbsent uses INSERT ... ON CONFLICT(id) DO NOTHING and inspects
//     RowsAffected, so exactly one concurrent creator wins
//   - Update takes a Condition on the current status; a miss is reported as
//     ErrConditionFailed rather than silently ignored
//   - Capacity acquisition is a single UPDATE guarded by active < max
//
// No method performs a multi-record transaction. Callers that need two
// writes (status + counter) sequence them and own the compensation.
//
// # Status Safety
//
// Writers may only store recognized statuses (ErrInvalidStatus otherwise).
// Readers get back whatever is stored, including unknown or empty values,
// so that repair tooling can find and fix them.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - retries column guarded by a trigger that rejects decreases
package store
