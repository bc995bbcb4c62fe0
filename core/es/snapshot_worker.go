package es

import (
	"context"
	"log/slog"
	"sync"

	"github.com/streamhaus/backbone/core/perkey"
)

// SnapshotTaker refreshes the stored snapshot of one aggregate.
// *Rebuilder[S] implements it.
type SnapshotTaker interface {
	Snapshot(ctx context.Context, aggID string) (*Snapshot, error)
}

// SnapshotWorker is a stream handler that refreshes aggregate snapshots
// whenever an aggregate's version crosses the configured policy. Snapshot
// work runs off the consumer thread: sequentially per aggregate, different
// aggregates in parallel.
type SnapshotWorker struct {
	log    *slog.Logger
	policy SnapshotPolicy
	sched  *perkey.Scheduler[string]
	wg     sync.WaitGroup

	mu     sync.RWMutex
	takers map[string]SnapshotTaker
}

type SnapshotWorkerOpts struct {
	Log *slog.Logger
	// Policy decides which versions trigger a refresh. Defaults to never,
	// so a worker without an explicit policy is inert.
	Policy SnapshotPolicy
}

func NewSnapshotWorker(opts SnapshotWorkerOpts) *SnapshotWorker {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	policy := opts.Policy
	if policy == nil {
		policy = SnapshotEvery(0)
	}

	return &SnapshotWorker{
		log:    log.With(slog.String("handler", "snapshot_worker")),
		policy: policy,
		sched:  perkey.New[string](),
		takers: map[string]SnapshotTaker{},
	}
}

// Register adds the taker responsible for one aggregate type. Events of
// unregistered types pass through untouched.
func (w *SnapshotWorker) Register(aggType string, t SnapshotTaker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.takers[aggType] = t
}

func (w *SnapshotWorker) taker(aggType string) (SnapshotTaker, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.takers[aggType]
	return t, ok
}

// Handle evaluates the policy and, when it fires, queues a snapshot
// refresh for the event's aggregate. It never blocks on the refresh
// itself; a failed refresh is logged and retried naturally the next time
// the policy fires.
func (w *SnapshotWorker) Handle(msgCtx MsgCtx) error {
	if !w.policy(msgCtx.Version()) {
		return nil
	}

	t, ok := w.taker(msgCtx.AggregateType())
	if !ok {
		return nil
	}

	aggType, aggID := msgCtx.AggregateType(), msgCtx.AggregateID()
	log := msgCtx.Log()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := w.sched.Do(aggKey(aggType, aggID), func() error {
			snap, err := t.Snapshot(context.Background(), aggID)
			if err != nil {
				return err
			}
			log.Debug("snapshot refreshed", snap.logAttrs())
			return nil
		})
		if err != nil {
			log.Warn("snapshot refresh failed", slog.Any("error", err))
		}
	}()

	return nil
}

// Shutdown waits for queued snapshot work to drain, then stops the
// scheduler.
func (w *SnapshotWorker) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		w.sched.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ Handler                  = (*SnapshotWorker)(nil)
	_ HandlerLifecycleShutdown = (*SnapshotWorker)(nil)
)

// NewSnapshotConsumer tails the whole store and feeds the worker. The
// worker only inspects envelope metadata, so events decode as raw
// payloads regardless of any registry.
func NewSnapshotConsumer(store EventStore, w *SnapshotWorker, opts ...ConsumerOption) *Consumer {
	opts = append([]ConsumerOption{WithConsumerName("snapshots")}, opts...)
	return NewConsumer(store, RawDecoder{}, w, opts...)
}
