// Package store provides SQLite-backed durable storage for protocol instances.
//
// The store holds:
//   - Protocol instances: current state per (owner, instance UID), versioned
//   - Received messages: inbound messages not yet consumed by a step
//   - Received commitments: per-owner replay ledger
//   - Identity directory: owned identities, owned devices, contacts
//   - Inbox tables repaired by bootstrap recovery
//
// # Optimistic Concurrency
//
// Every instance row carries a version. Tx.Save inserts at version 1 when the
// caller started from an absent row, and otherwise updates only if the stored
// version is still the one the caller loaded. A lost race surfaces as
// ErrConflict and the transaction is rolled back.
//
// # Post-Commit Hooks
//
// Store.Update runs a function inside one transaction. Hooks registered with
// Tx.OnCommit run only after a successful commit, which is how outbound
// messages are released: a rolled-back step never sends anything.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The pool is limited to a single connection. Callers must not use Store
// methods from inside an Update function; use the Tx instead.
package store
