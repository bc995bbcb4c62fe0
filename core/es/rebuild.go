package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamhaus/backbone/core/sf"
	"github.com/streamhaus/backbone/internal/reflector"
)

// Rebuilder reconstructs current aggregate state of type S by loading the
// latest snapshot (if a snapshotter is configured) and folding every event
// with a higher version on top. The result always reflects a consistent
// prefix of the event log: events appended after the replay started are
// simply not yet included.
//
// Fold functions are registered per event type; an event whose type has no
// fold (or is not in the registry) is skipped, which keeps rebuilds
// forward-compatible with newer event types.
type Rebuilder[S any] struct {
	log         *slog.Logger
	store       EventStore
	snapshotter Snapshotter
	registry    *EventRegistry
	aggType     string
	initial     func() S
	metrics     ESMetrics

	// flight collapses concurrent replays of the same aggregate into one.
	flight *sf.Singleflight[rebuildResult[S]]

	mu    sync.RWMutex
	folds map[string]func(S, any) (S, error)
}

type rebuildResult[S any] struct {
	state   S
	version Version
	lastSeq uint64
}

type RebuilderOpts[S any] struct {
	Log         *slog.Logger
	Store       EventStore
	Snapshotter Snapshotter // optional; rebuilds replay from scratch without one
	Registry    *EventRegistry
	AggType     string
	// Initial produces the empty state a stream folds onto. Defaults to
	// the zero value of S.
	Initial func() S
	Metrics ESMetrics
}

func NewRebuilder[S any](opts RebuilderOpts[S]) (*Rebuilder[S], error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.AggType == "" {
		return nil, errors.New("aggregate type is required")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	initial := opts.Initial
	if initial == nil {
		initial = func() (s S) { return }
	}
	m := opts.Metrics
	if m == nil {
		m = NopESMetrics()
	}

	return &Rebuilder[S]{
		log:         log.With(slog.String("rebuilder", opts.AggType)),
		store:       opts.Store,
		snapshotter: opts.Snapshotter,
		registry:    opts.Registry,
		aggType:     opts.AggType,
		initial:     initial,
		metrics:     m,
		flight:      sf.New[rebuildResult[S]](),
		folds:       map[string]func(S, any) (S, error){},
	}, nil
}

func (r *Rebuilder[S]) RegisterFold(eventType string, fn func(S, any) (S, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folds[eventType] = fn
}

func (r *Rebuilder[S]) fold(eventType string) (func(S, any) (S, error), bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.folds[eventType]
	return fn, ok
}

// RegisterFoldFor registers a typed fold for event type E, also adding E
// to the rebuilder's registry so envelopes decode during replay.
func RegisterFoldFor[S any, E any](r *Rebuilder[S], fn func(S, *E) (S, error)) {
	RegisterEventFor[E](r.registry)
	r.RegisterFold(reflector.TypeInfoFor[E]().Name, func(state S, ev any) (S, error) {
		typed, ok := ev.(*E)
		if !ok {
			return state, fmt.Errorf("fold for %T received %T", typed, ev)
		}
		return fn(state, typed)
	})
}

// Rebuild returns the current state and version of the aggregate. It is
// safe to run concurrently with appends to the same aggregate; concurrent
// rebuilds of the same aggregate share a single replay.
func (r *Rebuilder[S]) Rebuild(ctx context.Context, aggID string) (state S, version Version, err error) {
	res, err := r.sharedRebuild(ctx, aggID)
	if err != nil {
		return r.initial(), 0, err
	}
	return res.state, res.version, nil
}

func (r *Rebuilder[S]) sharedRebuild(ctx context.Context, aggID string) (*rebuildResult[S], error) {
	return r.flight.Do(aggID, func() (*rebuildResult[S], error) {
		state, version, lastSeq, err := r.rebuild(ctx, aggID)
		if err != nil {
			return nil, err
		}
		return &rebuildResult[S]{state: state, version: version, lastSeq: lastSeq}, nil
	})
}

func (r *Rebuilder[S]) rebuild(ctx context.Context, aggID string) (state S, version Version, lastSeq uint64, err error) {
	defer r.metrics.RebuildDuration(r.aggType).ObserveDuration()

	state = r.initial()

	var startSeq uint64
	snapshotUsed := false

	if r.snapshotter != nil {
		timer := r.metrics.SnapshotLoadDuration(r.aggType)
		snap, snapErr := r.snapshotter.LoadSnapshot(ctx, r.aggType, aggID)
		timer.ObserveDuration()
		if snapErr != nil && !errors.Is(snapErr, ErrSnapshotNotFound) {
			return state, 0, 0, fmt.Errorf("failed to load snapshot: %w", snapErr)
		}
		if snapErr == nil {
			if err = json.Unmarshal(snap.Data, &state); err != nil {
				return state, 0, 0, fmt.Errorf("failed to restore snapshot state: %w", err)
			}
			version = snap.Version
			lastSeq = snap.StreamSeq
			startSeq = snap.StreamSeq + 1
			snapshotUsed = true
			r.log.Debug("snapshot restored", snap.logAttrs())
		}
	}

	events, err := r.store.Load(
		ctx,
		r.aggType,
		aggID,
		WithAfterVersion(version),
		WithStartSeq(startSeq),
	)
	if err != nil {
		return state, 0, 0, err
	}

	for _, env := range events {
		expect := version + 1
		if env.Version != expect {
			return state, 0, 0, fmt.Errorf("expect version %d, got %d (agg_id=%s)", expect, env.Version, aggID)
		}

		if state, err = r.apply(state, env); err != nil {
			return state, 0, 0, err
		}
		version = env.Version
		lastSeq = env.Seq
	}

	if version == 0 && !snapshotUsed {
		return state, 0, 0, ErrAggregateNotFound
	}

	return state, version, lastSeq, nil
}

func (r *Rebuilder[S]) apply(state S, env Envelope) (S, error) {
	fn, ok := r.fold(env.Type)
	if !ok {
		r.log.Debug("no fold registered, skipping", slog.String("type", env.Type))
		return state, nil
	}

	ev, err := r.registry.Decode(env)
	if err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			r.log.Debug("unknown event type, skipping", slog.String("type", env.Type))
			return state, nil
		}
		return state, err
	}

	next, err := fn(state, ev)
	if err != nil {
		return state, fmt.Errorf("fold %s failed: %w", env.Type, err)
	}
	return next, nil
}

// Snapshot rebuilds the aggregate and saves the result as its new current
// snapshot, replacing any previous one. This is the entry point behind
// snapshot requests; cadence is the caller's policy.
func (r *Rebuilder[S]) Snapshot(ctx context.Context, aggID string) (*Snapshot, error) {
	if r.snapshotter == nil {
		return nil, errors.New("no snapshotter configured")
	}

	res, err := r.sharedRebuild(ctx, aggID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(res.state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}

	snap := &Snapshot{
		AggregateID:   aggID,
		AggregateType: r.aggType,
		Version:       res.version,
		StreamSeq:     res.lastSeq,
		CreatedAt:     time.Now(),
		Encoding:      "json",
		Data:          data,
	}
	timer := r.metrics.SnapshotSaveDuration(r.aggType)
	if err := r.snapshotter.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	timer.ObserveDuration()

	r.log.Debug("snapshot saved", snap.logAttrs())
	return snap, nil
}
