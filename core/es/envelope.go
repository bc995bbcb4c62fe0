package es

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps an event with the metadata needed for storage, replay and
// routing. Envelopes are immutable once appended: the store never mutates
// or deletes them.
type Envelope struct {
	// ID is the unique identifier of this stored event.
	ID string `json:"id"`
	// Seq is the global sequence number assigned by the store on append.
	// It provides total ordering across all events in the store.
	Seq uint64 `json:"seq"`
	// Version is the per-aggregate stream version (1, 2, 3, ...).
	Version Version `json:"version"`
	// AggregateType identifies the kind of aggregate this event belongs to.
	AggregateType string `json:"aggregate"`
	// AggregateID identifies the specific aggregate instance.
	AggregateID string `json:"aggregate_id"`
	// Type is the event type tag used for decode routing. The store does
	// not interpret the payload beyond this tag.
	Type string `json:"type"`
	// UserID optionally records the user on whose behalf the event was
	// appended.
	UserID string `json:"user_id,omitempty"`
	// CorrelationID optionally groups causally related events across
	// aggregates.
	CorrelationID string `json:"correlation_id,omitempty"`
	// OccurredAt is when the event was created.
	OccurredAt time.Time `json:"occurred_at"`
	// Data contains the serialized event payload.
	Data json.RawMessage `json:"data"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("envelope aggregate id is empty")
	}
	if e.AggregateType == "" {
		return fmt.Errorf("envelope aggregate type is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.Version == 0 {
		return fmt.Errorf("envelope version is zero")
	}
	return nil
}

// Decoder turns a stored envelope back into a typed event value.
type Decoder interface{ Decode(e Envelope) (any, error) }

// RawDecoder passes every payload through undecoded. Handlers that only
// care about envelope metadata use it to see all event types.
type RawDecoder struct{}

func (RawDecoder) Decode(e Envelope) (any, error) { return e.Data, nil }

var _ Decoder = RawDecoder{}
