package es

import "errors"

var (
	// ErrConcurrencyConflict is returned by Append when the stream's
	// current version does not match the expected version. It is always
	// surfaced to the caller and never retried inside the store.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrAggregateNotFound is returned by Rebuild when neither a snapshot
	// nor any event exists for the aggregate.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrUnknownEventType is returned by the registry when no constructor
	// is registered for an envelope's type tag.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrStoreNoEvents is returned by Append helpers when called without
	// events.
	ErrStoreNoEvents = errors.New("no events to store")

	// ErrSnapshotNotFound is returned by a Snapshotter when no snapshot
	// exists for the aggregate.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrCheckpointNotFound is returned by a CpStore before the first
	// checkpoint has been written.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)
