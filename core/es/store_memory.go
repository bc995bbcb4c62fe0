package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// InMemoryStore is a simple, correct (optimistic) store for tests and
// development. It keeps one slice per aggregate stream plus a global,
// sequence-ordered log for cross-aggregate queries.
type InMemoryStore struct {
	mu      sync.Mutex
	log     *slog.Logger
	seq     uint64
	streams map[string][]Envelope
	all     []Envelope
	subs    map[string]*inMemorySubscription
	metrics ESMetrics
	closed  bool
}

type InMemoryStoreOpts struct {
	Log     *slog.Logger
	Metrics ESMetrics
}

func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreWithOpts(InMemoryStoreOpts{})
}

func NewInMemoryStoreWithOpts(opts InMemoryStoreOpts) *InMemoryStore {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = NopESMetrics()
	}
	return &InMemoryStore{
		log:     log.With(slog.String("store", "memory")),
		streams: map[string][]Envelope{},
		subs:    map[string]*inMemorySubscription{},
		metrics: m,
	}
}

func (s *InMemoryStore) streamKey(aggType, aggID string) string {
	return fmt.Sprintf("%s-%s", aggType, aggID)
}

func (s *InMemoryStore) Append(
	_ context.Context,
	aggType string,
	aggID string,
	expectedVersion Version,
	events []Envelope,
) (*AppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	if aggType == "" {
		return nil, fmt.Errorf("aggregate type is empty")
	}
	if aggID == "" {
		return nil, fmt.Errorf("aggregate id is empty")
	}

	defer s.metrics.StoreAppendDuration(aggType).ObserveDuration()

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sk         = s.streamKey(aggType, aggID)
		curStream  = s.streams[sk]
		curVersion Version
	)

	if len(curStream) > 0 {
		curVersion = curStream[len(curStream)-1].Version
	}
	if curVersion != expectedVersion {
		s.metrics.ConcurrencyConflict(aggType)
		return nil, fmt.Errorf(
			"%w: expected version %d, got %d (agg_type=%s agg_id=%s)",
			ErrConcurrencyConflict, expectedVersion, curVersion, aggType, aggID,
		)
	}

	// validate the whole batch before anything becomes visible
	next := expectedVersion
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		next++
		if e.Version != next {
			return nil, fmt.Errorf("non-contiguous version %d, want %d", e.Version, next)
		}
	}

	var (
		lastSeq     uint64
		lastVersion Version
		appended    = make([]Envelope, 0, len(events))
	)
	for _, e := range events {
		s.seq++
		e.Seq = s.seq
		lastSeq = e.Seq
		lastVersion = e.Version
		appended = append(appended, e)
	}
	s.streams[sk] = append(curStream, appended...)
	s.all = append(s.all, appended...)
	s.metrics.EventsAppended(aggType, len(appended))

	s.log.Debug(
		"append",
		slog.String("aggregate_type", aggType),
		slog.String("aggregate_id", aggID),
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(appended)),
	)

	s.dispatch(appended)

	return &AppendResult{LastSeq: lastSeq, LastVersion: lastVersion}, nil
}

func (s *InMemoryStore) Load(
	_ context.Context,
	aggType string,
	aggID string,
	opts ...LoadOption,
) ([]Envelope, error) {
	defer s.metrics.StoreLoadDuration(aggType).ObserveDuration()

	s.mu.Lock()
	defer s.mu.Unlock()

	loadOpts := &storeLoadOptions{}
	for _, opt := range opts {
		opt.ApplyToLoadOptions(loadOpts)
	}

	events := s.streams[s.streamKey(aggType, aggID)]
	out := make([]Envelope, 0)
	for _, e := range events {
		if e.Version <= loadOpts.afterVersion {
			continue
		}
		if e.Seq < loadOpts.startSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStore) LoadByEventType(_ context.Context, eventType string) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Envelope, 0)
	for _, e := range s.all {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) LoadByCorrelationID(_ context.Context, correlationID string) ([]Envelope, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Envelope, 0)
	for _, e := range s.all {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) LatestVersion(_ context.Context, aggType string, aggID string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[s.streamKey(aggType, aggID)]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].Version, nil
}

func (s *InMemoryStore) Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error) {
	options := NewSubscribeOpts(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	subID := gonanoid.Must()
	sub := newInMemorySubscription(options.Filters(), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, subID)
	})
	sub.maxSeq = s.seq

	// replay the retained log before going live, still under the store
	// lock so no append can interleave
	if options.DeliverPolicy() == DeliverAllPolicy {
		for _, e := range s.all {
			if e.Seq < options.StartSeq() {
				continue
			}
			if matchFilters(e, sub.filters) {
				sub.enqueue(e)
			}
		}
	}

	s.subs[subID] = sub
	go sub.pump()

	context.AfterFunc(ctx, sub.Cancel)

	return sub, nil
}

// dispatch must be called with s.mu held.
func (s *InMemoryStore) dispatch(events []Envelope) {
	if len(s.subs) == 0 {
		return
	}
	for _, e := range events {
		for _, sub := range s.subs {
			if matchFilters(e, sub.filters) {
				sub.enqueue(e)
			}
		}
	}
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*inMemorySubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	return nil
}

var _ EventStore = (*InMemoryStore)(nil)

// === Subscription ===

// inMemorySubscription decouples dispatch from consumption with an
// internal queue so a slow consumer never blocks appends.
type inMemorySubscription struct {
	filters    []SubscribeFilter
	maxSeq     uint64
	ch         chan Envelope
	mu         sync.Mutex
	queue      []Envelope
	signal     chan struct{}
	done       chan struct{}
	cancelOnce sync.Once
	deregister func()
}

func newInMemorySubscription(filters []SubscribeFilter, deregister func()) *inMemorySubscription {
	return &inMemorySubscription{
		filters:    filters,
		ch:         make(chan Envelope),
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		deregister: deregister,
	}
}

func (i *inMemorySubscription) enqueue(e Envelope) {
	i.mu.Lock()
	i.queue = append(i.queue, e)
	i.mu.Unlock()
	select {
	case i.signal <- struct{}{}:
	default:
	}
}

func (i *inMemorySubscription) pump() {
	defer close(i.ch)
	for {
		i.mu.Lock()
		var next *Envelope
		if len(i.queue) > 0 {
			next = &i.queue[0]
		}
		i.mu.Unlock()

		if next == nil {
			select {
			case <-i.done:
				return
			case <-i.signal:
				continue
			}
		}

		select {
		case <-i.done:
			return
		case i.ch <- *next:
			i.mu.Lock()
			i.queue = i.queue[1:]
			i.mu.Unlock()
		}
	}
}

func (i *inMemorySubscription) MaxSequence() uint64   { return i.maxSeq }
func (i *inMemorySubscription) Chan() <-chan Envelope { return i.ch }

func (i *inMemorySubscription) Cancel() {
	i.cancelOnce.Do(func() {
		close(i.done)
		i.deregister()
	})
}

var _ Subscription = (*inMemorySubscription)(nil)
