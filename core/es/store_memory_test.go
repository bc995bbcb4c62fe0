package es

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type counterIncremented struct {
	X int `json:"x"`
}

type counterReset struct{}

func TestInMemoryStore_AppendLoad(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	t.Run("versions are contiguous from 1", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, err := AppendEvents(
				t.Context(),
				store,
				"counter", "A",
				Version(i),
				[]any{counterIncremented{X: i + 1}},
			)
			require.NoError(t, err)
		}

		events, err := store.Load(t.Context(), "counter", "A")
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i, e := range events {
			require.Equal(t, Version(i+1), e.Version)
			require.NotEmpty(t, e.ID)
		}
	})

	t.Run("load is restartable from any version", func(t *testing.T) {
		events, err := store.Load(t.Context(), "counter", "A", WithAfterVersion(3))
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, Version(4), events[0].Version)
		require.Equal(t, Version(5), events[1].Version)

		again, err := store.Load(t.Context(), "counter", "A", WithAfterVersion(3))
		require.NoError(t, err)
		require.Equal(t, events, again)
	})

	t.Run("unknown aggregate loads empty", func(t *testing.T) {
		events, err := store.Load(t.Context(), "counter", "nope")
		require.NoError(t, err)
		require.Empty(t, events)
	})

	t.Run("latest version", func(t *testing.T) {
		v, err := store.LatestVersion(t.Context(), "counter", "A")
		require.NoError(t, err)
		require.Equal(t, Version(5), v)

		v, err = store.LatestVersion(t.Context(), "counter", "nope")
		require.NoError(t, err)
		require.Equal(t, Version(0), v)
	})
}

func TestInMemoryStore_ConcurrencyConflict(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	// version 1 with {x:1}, then version 2 with {x:2} at expect=1
	_, err := AppendEvents(t.Context(), store, "counter", "A", 0, []any{counterIncremented{X: 1}})
	require.NoError(t, err)
	_, err = AppendEvents(t.Context(), store, "counter", "A", 1, []any{counterIncremented{X: 2}})
	require.NoError(t, err)

	// a late writer still at expect=1 must conflict
	_, err = AppendEvents(t.Context(), store, "counter", "A", 1, []any{counterIncremented{X: 99}})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConcurrencyConflict))

	// and the log is unchanged
	events, err := store.Load(t.Context(), "counter", "A")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, Version(2), events[1].Version)

	// independent aggregates are unaffected by each other's versions
	_, err = AppendEvents(t.Context(), store, "counter", "B", 0, []any{counterIncremented{X: 1}})
	require.NoError(t, err)
}

func TestInMemoryStore_CrossAggregateQueries(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	_, err := AppendEvents(
		t.Context(), store, "counter", "A", 0,
		[]any{counterIncremented{X: 1}},
		WithCorrelationID("corr-1"),
		WithUserID("u1"),
	)
	require.NoError(t, err)
	_, err = AppendEvents(
		t.Context(), store, "counter", "B", 0,
		[]any{counterReset{}},
		WithCorrelationID("corr-1"),
	)
	require.NoError(t, err)
	_, err = AppendEvents(t.Context(), store, "counter", "A", 1, []any{counterIncremented{X: 2}})
	require.NoError(t, err)

	t.Run("by event type, time ordered", func(t *testing.T) {
		events, err := store.LoadByEventType(t.Context(), EventTypeOf(counterIncremented{}))
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Less(t, events[0].Seq, events[1].Seq)
	})

	t.Run("by correlation id across aggregates", func(t *testing.T) {
		events, err := store.LoadByCorrelationID(t.Context(), "corr-1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, "A", events[0].AggregateID)
		require.Equal(t, "B", events[1].AggregateID)
		require.Equal(t, "u1", events[0].UserID)
	})
}

func TestInMemoryStore_Subscribe(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()

	_, err := AppendEvents(t.Context(), store, "counter", "A", 0, []any{counterIncremented{X: 1}})
	require.NoError(t, err)

	sub, err := store.Subscribe(
		t.Context(),
		WithDeliverPolicy(DeliverAllPolicy),
		WithStartSequence(1),
	)
	require.NoError(t, err)
	defer sub.Cancel()

	require.Equal(t, uint64(1), sub.MaxSequence())

	_, err = AppendEvents(t.Context(), store, "counter", "A", 1, []any{counterIncremented{X: 2}})
	require.NoError(t, err)

	first := <-sub.Chan()
	require.Equal(t, uint64(1), first.Seq)
	second := <-sub.Chan()
	require.Equal(t, uint64(2), second.Seq)
	require.Equal(t, Version(2), second.Version)
}
