package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streamhaus/backbone/internal/reflector"
)

// EventRegistry maps event type tags to constructors so persisted events
// can be decoded during replay and consumption.
type EventRegistry struct {
	mu   sync.RWMutex
	news map[string]func() any
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{news: map[string]func() any{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

func (r *EventRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}
	ev := ctor()
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// Known reports whether a constructor is registered for the type tag.
func (r *EventRegistry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.news[eventType]
	return ok
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

// RegisterEventFor registers T under its reflected type name.
func RegisterEventFor[T any](r Registrar) {
	ti := reflector.TypeInfoFor[T]()
	r.Register(ti.Name, func() any {
		return any(new(T))
	})
}

// RegisterEvents registers event constructors. Each constructor is invoked
// once to derive the type tag; future decodes call it again so every
// decode produces a fresh instance.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		sample := ctor()
		eventType := EventTypeOf(sample)
		r.Register(eventType, ctor)
	}
}

// EventTypeOf returns the type tag for an event value. Events may override
// the reflected name by implementing EventType() string.
func EventTypeOf(ev any) (eventType string) {
	switch t := ev.(type) {
	case interface{ EventType() string }:
		eventType = t.EventType()
	default:
		eventType = reflector.TypeInfoOf(ev).Name
	}
	return
}
