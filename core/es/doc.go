// Package es implements the event backbone's storage core: an append-only,
// per-aggregate versioned event store with optimistic concurrency control,
// snapshotting, state rebuild by replay, and projection maintenance.
//
// # Core Components
//
// EventStore: the persistence contract. [InMemoryStore] is the reference
// implementation used in tests and development; the adapters/nats package
// provides a durable NATS JetStream implementation.
//
// Envelope: the unit of storage. Every stored event carries a unique ID, a
// per-aggregate version (1, 2, 3, ... with no gaps) and a global sequence
// number assigned by the store.
//
// Rebuilder: reconstructs current aggregate state by loading the latest
// snapshot (if any) and folding every event with a higher version on top.
// Snapshots bound replay cost; they never change the resulting state.
//
// Projection: an eventually-consistent read model built by folding events
// through registered fold functions. Folds are idempotent: re-delivery of
// an already-applied event is a no-op.
//
// Consumer: tails the store subscription and dispatches events to a
// Handler, with checkpointing and live/catch-up detection. Projections and
// the delivery relay both run behind consumers.
//
// Writes are serialized per aggregate only through the expected-version
// check; appends to distinct aggregates proceed concurrently.
package es
