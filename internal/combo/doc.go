// Package combo provides the domain types for GTFS combination processing.
//
// A combination is one (operator, contract, version) unit of work. This
// package contains the identity, the closed status enum with its transition
// table, and the durable record shape. All other internal packages import
// combo; combo imports nothing internal.
//
// Key design constraints:
//   - Status is a closed enum. Unknown values can be read back from storage
//     (Status.Valid reports them) but must never be written.
//   - Timestamps are RFC 3339 UTC text so that corrupted values survive a
//     round trip and can be diagnosed by the sweeper.
//   - Retries only ever increase.
package combo
