package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streamhaus/backbone/internal/reflector"
)

// ProjStatus is the freshness state of a projection.
type ProjStatus int

const (
	StatusUninitialized ProjStatus = iota
	StatusCatchingUp
	StatusUpToDate
	StatusOutOfDate
)

func (s ProjStatus) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusCatchingUp:
		return "catching_up"
	case StatusUpToDate:
		return "up_to_date"
	case StatusOutOfDate:
		return "out_of_date"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ProjFold applies one event to a projection's derived state.
type ProjFold func(ctx context.Context, env Envelope, event any) error

// Projection maintains an eventually-consistent read model by folding
// events of interest through registered fold functions.
//
// The contract callers rely on:
//   - Unknown event types are ignored (forward-compatible).
//   - Re-application of an already-applied event (same or lower version
//     for its aggregate) is a no-op, so redelivery after partial failure
//     is safe.
//   - The projection is marked out-of-date immediately before a fold runs
//     and up-to-date only once the fold has completed, so readers can
//     detect a half-applied derived aggregate.
//
// Projection implements Handler and Checkpoint so it runs behind a
// Consumer; Resync replays history directly from the store.
type Projection struct {
	name     string
	log      *slog.Logger
	store    EventStore
	registry *EventRegistry
	metrics  ESMetrics

	mu      sync.RWMutex
	status  ProjStatus
	lastSeq uint64
	applied map[string]Version
	folds   map[string]ProjFold
}

type ProjectionOpts struct {
	Name     string
	Log      *slog.Logger
	Store    EventStore
	Registry *EventRegistry
	Metrics  ESMetrics
}

func NewProjection(opts ProjectionOpts) (*Projection, error) {
	if opts.Name == "" {
		return nil, errors.New("projection name is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = NopESMetrics()
	}

	return &Projection{
		name:     opts.Name,
		log:      log.With(slog.String("projection", opts.Name)),
		store:    opts.Store,
		registry: opts.Registry,
		metrics:  m,
		status:   StatusUninitialized,
		applied:  map[string]Version{},
		folds:    map[string]ProjFold{},
	}, nil
}

func (p *Projection) Name() string { return p.name }

func (p *Projection) Status() ProjStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// LastSeq is the global sequence of the last event folded or skipped.
func (p *Projection) LastSeq() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeq
}

// AppliedVersion is the last applied version for one aggregate, 0 if none.
func (p *Projection) AppliedVersion(aggType, aggID string) Version {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.applied[aggKey(aggType, aggID)]
}

// GetLastSeq implements Checkpoint for consumer resumption.
func (p *Projection) GetLastSeq() (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastSeq == 0 {
		return 0, ErrCheckpointNotFound
	}
	return p.lastSeq, nil
}

func (p *Projection) RegisterFold(eventType string, fn ProjFold) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.folds[eventType] = fn
}

// RegisterProjFoldFor registers a typed fold for event type E, also adding
// E to the projection's registry.
func RegisterProjFoldFor[E any](p *Projection, fn func(ctx context.Context, env Envelope, event *E) error) {
	RegisterEventFor[E](p.registry)
	p.RegisterFold(reflector.TypeInfoFor[E]().Name, func(ctx context.Context, env Envelope, ev any) error {
		typed, ok := ev.(*E)
		if !ok {
			return fmt.Errorf("fold for %T received %T", typed, ev)
		}
		return fn(ctx, env, typed)
	})
}

// Handle implements Handler.
func (p *Projection) Handle(msgCtx MsgCtx) error {
	return p.Apply(msgCtx.Context(), msgCtx.Envelope(), msgCtx.Event())
}

// Apply folds one event into the projection. Events arriving out of their
// per-aggregate order or a second time are ignored.
func (p *Projection) Apply(ctx context.Context, env Envelope, event any) error {
	key := aggKey(env.AggregateType, env.AggregateID)

	p.mu.Lock()

	if env.Version <= p.applied[key] {
		p.mu.Unlock()
		p.log.Debug(
			"duplicate delivery ignored",
			slog.String("aggregate_id", env.AggregateID),
			env.Version.SlogAttr(),
		)
		return nil
	}

	fn, known := p.folds[env.Type]
	if !known {
		// unknown types advance bookkeeping so a later resync does not
		// reprocess them
		p.advanceLocked(key, env)
		p.mu.Unlock()
		return nil
	}

	// derived state is about to change; readers must see the projection
	// as stale until the fold has fully completed
	p.setStatusLocked(StatusOutOfDate)
	p.mu.Unlock()

	if err := fn(ctx, env, event); err != nil {
		return fmt.Errorf("projection %s: fold %s failed: %w", p.name, env.Type, err)
	}

	p.mu.Lock()
	p.advanceLocked(key, env)
	p.setStatusLocked(StatusUpToDate)
	p.mu.Unlock()

	return nil
}

// Resync replays events with sequence > fromSeq through the fold pipeline,
// in order. Used after the projection fell behind or after crash recovery;
// the idempotent fold contract makes overlap with already-applied events
// harmless.
func (p *Projection) Resync(ctx context.Context, fromSeq uint64) error {
	p.mu.Lock()
	p.setStatusLocked(StatusCatchingUp)
	p.mu.Unlock()

	sub, err := p.store.Subscribe(
		ctx,
		WithDeliverPolicy(DeliverAllPolicy),
		WithStartSequence(fromSeq+1),
	)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	target := sub.MaxSequence()
	if target <= fromSeq {
		p.mu.Lock()
		p.setStatusLocked(StatusUpToDate)
		p.mu.Unlock()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-sub.Chan():
			if !ok {
				return errors.New("subscription closed during resync")
			}
			event, decErr := p.registry.Decode(env)
			if decErr != nil && !errors.Is(decErr, ErrUnknownEventType) {
				return decErr
			}
			// unknown types still pass through Apply so bookkeeping advances
			if err := p.Apply(ctx, env, event); err != nil {
				return err
			}
			if env.Seq >= target {
				p.mu.Lock()
				if p.status == StatusCatchingUp {
					p.setStatusLocked(StatusUpToDate)
				}
				p.mu.Unlock()
				p.log.Debug("resync complete", slog.Uint64("seq", env.Seq))
				return nil
			}
		}
	}
}

// advanceLocked must be called with p.mu held.
func (p *Projection) advanceLocked(key string, env Envelope) {
	p.applied[key] = env.Version
	if env.Seq > p.lastSeq {
		p.lastSeq = env.Seq
	}
}

// setStatusLocked must be called with p.mu held.
func (p *Projection) setStatusLocked(s ProjStatus) {
	if p.status == s {
		return
	}
	p.status = s
	p.metrics.ProjectionStale(p.name, s == StatusOutOfDate)
}

var (
	_ Handler    = (*Projection)(nil)
	_ Checkpoint = (*Projection)(nil)
)
