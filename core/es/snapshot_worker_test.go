package es

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingTaker struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTaker) Snapshot(_ context.Context, aggID string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, aggID)
	return &Snapshot{AggregateType: "counter", AggregateID: aggID, Version: 1}, nil
}

func (r *recordingTaker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func workerMsg(t *testing.T, aggType, aggID string, version Version) MsgCtx {
	t.Helper()
	return NewMsgCtx(t.Context(), Envelope{
		ID:            "ev-1",
		Type:          "counter.incremented",
		AggregateType: aggType,
		AggregateID:   aggID,
		Version:       version,
	}, nil)
}

func TestSnapshotWorker_PolicyGatesRefresh(t *testing.T) {
	taker := &recordingTaker{}
	w := NewSnapshotWorker(SnapshotWorkerOpts{Policy: SnapshotEvery(2)})
	w.Register("counter", taker)

	for v := Version(1); v <= 4; v++ {
		require.NoError(t, w.Handle(workerMsg(t, "counter", "A", v)))
	}
	require.NoError(t, w.Shutdown(t.Context()))

	// versions 2 and 4 cross the policy
	require.Equal(t, 2, taker.count())
}

func TestSnapshotWorker_UnregisteredTypePassesThrough(t *testing.T) {
	taker := &recordingTaker{}
	w := NewSnapshotWorker(SnapshotWorkerOpts{Policy: SnapshotEvery(1)})
	w.Register("counter", taker)

	require.NoError(t, w.Handle(workerMsg(t, "order", "O-1", 1)))
	require.NoError(t, w.Shutdown(t.Context()))
	require.Equal(t, 0, taker.count())
}

func TestSnapshotWorker_DefaultPolicyNeverFires(t *testing.T) {
	taker := &recordingTaker{}
	w := NewSnapshotWorker(SnapshotWorkerOpts{})
	w.Register("counter", taker)

	require.NoError(t, w.Handle(workerMsg(t, "counter", "A", 10)))
	require.NoError(t, w.Shutdown(t.Context()))
	require.Equal(t, 0, taker.count())
}

func TestSnapshotWorker_EndToEnd(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	snapshotter := NewInMemorySnapshotter()
	r := newCounterRebuilder(t, store, snapshotter)

	w := NewSnapshotWorker(SnapshotWorkerOpts{Policy: SnapshotEvery(2)})
	w.Register("counter", r)

	consumer := NewSnapshotConsumer(store, w)
	require.NoError(t, consumer.Start(t.Context()))
	defer consumer.Stop()

	_, err := AppendEvents(t.Context(), store, "counter", "A", 0, []any{counterIncremented{X: 1}})
	require.NoError(t, err)
	_, err = AppendEvents(t.Context(), store, "counter", "A", 1, []any{counterIncremented{X: 2}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := snapshotter.LoadSnapshot(t.Context(), "counter", "A")
		return err == nil && snap.Version == 2
	}, 2*time.Second, 10*time.Millisecond)

	state, version, err := r.Rebuild(t.Context(), "A")
	require.NoError(t, err)
	require.Equal(t, Version(2), version)
	require.Equal(t, 3, state.Total)
}
