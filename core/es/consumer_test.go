package es

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *recordingHandler) Handle(msgCtx MsgCtx) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, msgCtx.Seq())
	return nil
}

func (r *recordingHandler) seen() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.seqs))
	copy(out, r.seqs)
	return out
}

func newTestRegistry() *EventRegistry {
	reg := NewRegistry()
	RegisterEventFor[counterIncremented](reg)
	return reg
}

func TestConsumer_DeliversInOrder(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	h := &recordingHandler{}
	consumer := NewConsumer(store, newTestRegistry(), h, WithConsumerName("order_test"))
	require.NoError(t, consumer.Start(t.Context()))
	defer consumer.Stop()

	for i := 0; i < 3; i++ {
		_, err := AppendEvents(
			t.Context(), store, "counter", "A",
			Version(i), []any{counterIncremented{X: 1}},
		)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(h.seen()) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{1, 2, 3}, h.seen())
}

func TestConsumer_CheckpointResume(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	for i := 0; i < 4; i++ {
		_, err := AppendEvents(
			t.Context(), store, "counter", "A",
			Version(i), []any{counterIncremented{X: 1}},
		)
		require.NoError(t, err)
	}

	cp := NewInMemCpStore()
	require.NoError(t, cp.Set(2))

	h := &recordingHandler{}
	consumer := NewConsumer(
		store,
		newTestRegistry(),
		h,
		WithConsumerName("cp_test"),
		WithMiddlewares(NewCheckpointMiddleware(cp)),
	)
	require.NoError(t, consumer.Start(t.Context()))
	defer consumer.Stop()

	require.Eventually(t, func() bool {
		seen := h.seen()
		return len(seen) == 2 && seen[0] == 3 && seen[1] == 4
	}, time.Second, 5*time.Millisecond)

	last, err := cp.Get()
	require.NoError(t, err)
	require.Equal(t, uint64(4), last)
}
