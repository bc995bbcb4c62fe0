package es

import (
	"context"
	"encoding/json"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	afterVersionOption valueOption[Version]
	StartSeqOption     valueOption[uint64]

	storeLoadOptions struct {
		afterVersion Version
		startSeq     uint64
	}

	storeLoadOptionsReceiver interface {
		SetAfterVersion(Version)
		SetStartSeq(uint64)
	}

	LoadOption interface {
		ApplyToLoadOptions(storeLoadOptionsReceiver)
	}
)

func (o *storeLoadOptions) SetAfterVersion(v Version) { o.afterVersion = v }
func (o *storeLoadOptions) SetStartSeq(seq uint64)    { o.startSeq = seq }

// WithAfterVersion restricts a load to events with version > v. Loading is
// restartable: the same call from any version yields the remaining suffix
// of the stream.
func WithAfterVersion(v Version) LoadOption { return afterVersionOption{v} }

// WithStartSeq restricts a load to events with global sequence >= seq.
func WithStartSeq(seq uint64) StartSeqOption { return StartSeqOption{seq} }

func (o afterVersionOption) ApplyToLoadOptions(r storeLoadOptionsReceiver) { r.SetAfterVersion(o.v) }
func (o StartSeqOption) ApplyToLoadOptions(r storeLoadOptionsReceiver)     { r.SetStartSeq(o.v) }

// AppendResult describes the outcome of a successful append.
type AppendResult struct {
	// LastSeq is the global sequence of the last appended event.
	LastSeq uint64
	// LastVersion is the stream version of the last appended event.
	LastVersion Version
}

// EventStore is the contract for the append-only event log.
//
// Implementations must guarantee:
//   - Events for a given aggregate are stored in version order with no
//     gaps; two events for the same aggregate never share a version.
//   - Append is atomic per call: either every envelope becomes visible or
//     none does.
//   - Append fails with ErrConcurrencyConflict when the stream's current
//     version differs from expectedVersion, without mutating the log.
//   - Load yields events oldest to newest; it returns an empty slice (not
//     an error) for an unknown aggregate.
type EventStore interface {
	Stream

	// Load returns the events of one aggregate stream in version order.
	Load(ctx context.Context, aggType string, aggID string, opts ...LoadOption) ([]Envelope, error)

	// LoadByEventType returns all events carrying the given type tag, in
	// global sequence (time) order, across aggregates. Intended for
	// cross-aggregate diagnostics, not hot paths.
	LoadByEventType(ctx context.Context, eventType string) ([]Envelope, error)

	// LoadByCorrelationID returns all events sharing a correlation id, in
	// global sequence order.
	LoadByCorrelationID(ctx context.Context, correlationID string) ([]Envelope, error)

	// LatestVersion returns the current highest version of the aggregate
	// stream, 0 when the aggregate has no events.
	LatestVersion(ctx context.Context, aggType string, aggID string) (Version, error)

	// Append appends the envelopes to the aggregate stream iff the stream
	// is currently at expectedVersion.
	Append(ctx context.Context, aggType string, aggID string, expectedVersion Version, events []Envelope) (*AppendResult, error)

	// Close releases resources held by the store. Implementations make
	// Close idempotent.
	Close() error
}

type (
	appendOptions struct {
		userID        string
		correlationID string
	}

	// AppendOption attaches optional metadata to appended events.
	AppendOption func(*appendOptions)
)

// WithUserID records the acting user on the appended envelopes.
func WithUserID(userID string) AppendOption {
	return func(o *appendOptions) { o.userID = userID }
}

// WithCorrelationID groups the appended envelopes with causally related
// events elsewhere.
func WithCorrelationID(correlationID string) AppendOption {
	return func(o *appendOptions) { o.correlationID = correlationID }
}

// AppendEvents serializes the domain events, wraps each in an Envelope
// with a fresh id, timestamp and the next contiguous versions, and appends
// them under the optimistic-version check. A serialization failure is
// returned synchronously before anything is written.
func AppendEvents(
	ctx context.Context,
	store EventStore,
	aggType string,
	aggID string,
	expect Version,
	events []any,
	opts ...AppendOption,
) (*AppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}

	options := appendOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	envelopes := make([]Envelope, 0, len(events))
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, Envelope{
			ID:            gonanoid.Must(),
			Type:          EventTypeOf(ev),
			AggregateID:   aggID,
			AggregateType: aggType,
			UserID:        options.userID,
			CorrelationID: options.correlationID,
			Data:          data,
			OccurredAt:    time.Now(),
			Version:       expect + Version(i+1),
		})
	}
	return store.Append(ctx, aggType, aggID, expect, envelopes)
}
