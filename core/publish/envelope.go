// Package publish implements the outbound delivery pipeline: domain
// events are wrapped in a standard envelope, sent asynchronously to a
// durable broker, and routed to a dead-letter channel when delivery
// fails. Delivery problems never propagate back into the business
// operation that produced the event.
package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	SpecVersion = "1.0"
	ContentType = "application/json"
)

// Envelope is the wire representation of a published event. The field
// layout follows the CloudEvents attribute names so downstream consumers
// can interoperate without a custom schema.
//
// ID is unique per publish attempt: a fresh publish of new business data
// always gets a new id, while a true redelivery keeps the original one so
// consumers can de-duplicate. Delivery is at-least-once.
type Envelope struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	SpecVersion     string          `json:"specversion"`
	DataContentType string          `json:"datacontenttype"`
	Time            time.Time       `json:"time"`
	Data            json.RawMessage `json:"data"`
}

// SerializationError reports a payload that cannot be encoded. It is a
// programmer error: surfaced synchronously to the caller and never
// dead-lettered.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization failure: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// NewEnvelope wraps a domain event payload for publication, assigning a
// fresh unique id and timestamp.
func NewEnvelope(eventType, source string, payload any) (*Envelope, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type is empty")
	}
	if source == "" {
		return nil, fmt.Errorf("source is empty")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}

	return &Envelope{
		ID:              uuid.NewString(),
		Type:            eventType,
		Source:          source,
		SpecVersion:     SpecVersion,
		DataContentType: ContentType,
		Time:            time.Now().UTC(),
		Data:            data,
	}, nil
}

// Redelivery returns a copy of env with a fresh timestamp but the same
// id, marking it as a redelivery of the same logical event.
func Redelivery(env *Envelope) *Envelope {
	cp := *env
	cp.Time = time.Now().UTC()
	return &cp
}

func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.Source == "" {
		return fmt.Errorf("envelope source is empty")
	}
	if e.SpecVersion == "" {
		return fmt.Errorf("envelope specversion is empty")
	}
	if e.Time.IsZero() {
		return fmt.Errorf("envelope time is zero")
	}
	return nil
}
