// Package store provides the SQLite-backed relational record for annometa.
//
// The store holds:
//   - Entity types: every version of every type's attribute definitions,
//     with exactly one current version per id
//   - Entities: media, localizations, states and leaves with their typed
//     attribute maps, file manifests and tombstone flags
//   - Resources: blob keys with their owner sets and purge claims
//   - Outbox: pending search document operations, in commit order
//   - Change log: one entry per mutation, linked to every object it touched
//
// # Patterns
//
// Transactions: every write goes through Store.InTx, which begins an
// immediate transaction. A read-modify-write inside one InTx holds the
// database write lock throughout, which serves as the row lock for
// single-entity mutation.
//
// Outbox: a write that changes a search document enqueues the document
// operation in the same transaction. The document can never be ahead of the
// commit that produced it.
//
// Deterministic reads: list queries order by name COLLATE BINARY, then id.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
