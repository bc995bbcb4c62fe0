package nats

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/streamhaus/backbone/core/es"
)

func envsFor(aggType, aggID, eventType string, from es.Version, n int) []es.Envelope {
	out := make([]es.Envelope, 0, n)
	for i := range n {
		v := from + es.Version(i+1)
		out = append(out, es.Envelope{
			ID:            gonanoid.Must(),
			OccurredAt:    time.Now(),
			AggregateType: aggType,
			AggregateID:   aggID,
			Type:          eventType,
			Version:       v,
			Data:          fmt.Appendf(nil, `{"n":%d}`, v),
		})
	}
	return out
}

func TestNats_EventStore(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	connectNatsC := ReuseConnection(NewTestContainer(t))
	store, err := NewEventStore(EventStoreConfig{
		Connect: connectNatsC,
		Log:     slog.Default(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	t.Run("stream info", func(t *testing.T) {
		si, err := store.stream.Info(t.Context())
		require.NoError(t, err)
		require.Equal(t, defaultStreamName, si.Config.Name)
		require.Equal(t, []string{defaultSubjectPrefix + ".>"}, si.Config.Subjects)
	})

	t.Run("append and load", func(t *testing.T) {
		res, err := store.Append(t.Context(), "order", "o-1", 0, envsFor("order", "o-1", "OrderPlaced", 0, 3))
		require.NoError(t, err)
		require.EqualValues(t, 3, res.LastVersion)

		v, err := store.LatestVersion(t.Context(), "order", "o-1")
		require.NoError(t, err)
		require.EqualValues(t, 3, v)

		evs, err := store.Load(t.Context(), "order", "o-1")
		require.NoError(t, err)
		require.Len(t, evs, 3)
		for i, ev := range evs {
			require.EqualValues(t, i+1, ev.Version)
		}

		tail, err := store.Load(t.Context(), "order", "o-1", es.WithAfterVersion(2))
		require.NoError(t, err)
		require.Len(t, tail, 1)
		require.EqualValues(t, 3, tail[0].Version)
	})

	t.Run("concurrency conflict", func(t *testing.T) {
		_, err := store.Append(t.Context(), "order", "o-1", 1, envsFor("order", "o-1", "OrderPlaced", 1, 1))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		evs, err := store.Load(t.Context(), "order", "o-1")
		require.NoError(t, err)
		require.Len(t, evs, 3, "failed append must not mutate the log")
	})

	t.Run("racing writer rejected broker-side", func(t *testing.T) {
		res1, err := store.Append(t.Context(), "race", "r-1", 0, envsFor("race", "r-1", "BidPlaced", 0, 1))
		require.NoError(t, err)
		_, err = store.Append(t.Context(), "race", "r-1", 1, envsFor("race", "r-1", "BidPlaced", 1, 1))
		require.NoError(t, err)

		// a writer that read version 1 publishes against version 1's
		// sequence after another append landed; the broker must refuse
		// even though the writer's own snapshot of the log looked fine
		stale := envsFor("race", "r-1", "BidPlaced", 1, 1)[0]
		_, err = store.append(t.Context(), stale, res1.LastSeq)
		require.Error(t, err)
		require.True(t, isWrongLastSequence(err))

		evs, err := store.Load(t.Context(), "race", "r-1")
		require.NoError(t, err)
		require.Len(t, evs, 2, "losing writer must not land")
		require.EqualValues(t, 2, evs[1].Version)
	})

	t.Run("rollback removes landed events", func(t *testing.T) {
		res, err := store.Append(t.Context(), "race", "r-2", 0, envsFor("race", "r-2", "BidPlaced", 0, 1))
		require.NoError(t, err)

		store.rollback([]uint64{res.LastSeq})

		evs, err := store.Load(t.Context(), "race", "r-2")
		require.NoError(t, err)
		require.Empty(t, evs)

		// the subject is clean again: a fresh first append succeeds
		_, err = store.Append(t.Context(), "race", "r-2", 0, envsFor("race", "r-2", "BidPlaced", 0, 1))
		require.NoError(t, err)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		evs, err := store.Load(t.Context(), "order", "nope")
		require.NoError(t, err)
		require.Empty(t, evs)

		v, err := store.LatestVersion(t.Context(), "order", "nope")
		require.NoError(t, err)
		require.EqualValues(t, 0, v)
	})

	t.Run("load by event type", func(t *testing.T) {
		_, err := store.Append(t.Context(), "customer", "c-1", 0, envsFor("customer", "c-1", "CustomerCreated", 0, 1))
		require.NoError(t, err)

		evs, err := store.LoadByEventType(t.Context(), "CustomerCreated")
		require.NoError(t, err)
		require.Len(t, evs, 1)
		require.Equal(t, "c-1", evs[0].AggregateID)
	})

	t.Run("load by correlation id", func(t *testing.T) {
		batch := envsFor("customer", "c-2", "CustomerCreated", 0, 2)
		for i := range batch {
			batch[i].CorrelationID = "corr-7"
		}
		_, err := store.Append(t.Context(), "customer", "c-2", 0, batch)
		require.NoError(t, err)

		evs, err := store.LoadByCorrelationID(t.Context(), "corr-7")
		require.NoError(t, err)
		require.Len(t, evs, 2)
	})

	t.Run("subscribe live", func(t *testing.T) {
		sub, err := store.Subscribe(t.Context(),
			es.WithDeliverPolicy(es.DeliverNewPolicy),
			es.WithFilters(es.SubscribeFilter{AggregateType: "ticket", EventType: "TicketClosed"}),
		)
		require.NoError(t, err)
		defer sub.Cancel()

		// the opened event matches the subject but not the event-type
		// filter; only the closed event may come through
		_, err = store.Append(t.Context(), "ticket", "t-1", 0, envsFor("ticket", "t-1", "TicketOpened", 0, 1))
		require.NoError(t, err)
		_, err = store.Append(t.Context(), "ticket", "t-1", 1, envsFor("ticket", "t-1", "TicketClosed", 1, 1))
		require.NoError(t, err)

		select {
		case ev := <-sub.Chan():
			require.Equal(t, "TicketClosed", ev.Type)
			require.NotZero(t, ev.Seq)
		case <-time.After(5 * time.Second):
			t.Fatal("no live event delivered")
		}
	})

	t.Run("cancel closes channel with events in flight", func(t *testing.T) {
		// more events than the subscription buffer holds, none consumed,
		// so callbacks are blocked mid-send when the subscription stops
		_, err := store.Append(t.Context(), "queue", "q-1", 0, envsFor("queue", "q-1", "Queued", 0, 150))
		require.NoError(t, err)

		sub, err := store.Subscribe(t.Context(), es.WithDeliverPolicy(es.DeliverAllPolicy))
		require.NoError(t, err)
		time.Sleep(500 * time.Millisecond)

		done := make(chan struct{})
		go func() {
			for range sub.Chan() {
			}
			close(done)
		}()
		sub.Cancel()

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("subscription channel did not close")
		}
	})
}
