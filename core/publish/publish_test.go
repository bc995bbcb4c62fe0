package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("OrderPlaced", "//backbone/order/o-1", orderPlaced{OrderID: "o-1", Total: 42})
	require.NoError(t, err)
	require.NoError(t, env.Validate())
	require.NotEmpty(t, env.ID)
	require.Equal(t, "OrderPlaced", env.Type)
	require.Equal(t, "//backbone/order/o-1", env.Source)
	require.Equal(t, SpecVersion, env.SpecVersion)
	require.Equal(t, ContentType, env.DataContentType)
	require.False(t, env.Time.IsZero())

	// wire shape follows the CloudEvents attribute names
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, k := range []string{"id", "type", "source", "specversion", "datacontenttype", "time", "data"} {
		require.Contains(t, m, k)
	}
	require.Equal(t, "1.0", m["specversion"])

	t.Run("distinct ids per publish", func(t *testing.T) {
		other, err := NewEnvelope("OrderPlaced", "//backbone/order/o-1", orderPlaced{OrderID: "o-1", Total: 42})
		require.NoError(t, err)
		require.NotEqual(t, env.ID, other.ID)
	})

	t.Run("redelivery keeps id", func(t *testing.T) {
		re := Redelivery(env)
		require.Equal(t, env.ID, re.ID)
		require.Equal(t, env.Data, re.Data)
		require.False(t, re.Time.Before(env.Time))
	})

	t.Run("unserializable payload", func(t *testing.T) {
		_, err := NewEnvelope("Bad", "//backbone/x", func() {})
		require.Error(t, err)
		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
	})
}

func TestDLQTopicFor(t *testing.T) {
	require.Equal(t, "order.events.DLQ", DLQTopicFor("order.events"))
	// deterministic
	require.Equal(t, DLQTopicFor("a"), DLQTopicFor("a"))
}

type captureSender struct {
	topic string
	dl    *DeadLetter
	err   error
}

func (c *captureSender) SendDLQ(_ context.Context, topic string, dl *DeadLetter) error {
	c.topic = topic
	c.dl = dl
	return c.err
}

func TestRecoverer(t *testing.T) {
	t.Run("routes to parallel DLQ topic", func(t *testing.T) {
		sender := &captureSender{}
		r, err := NewRecoverer(RecovererOpts{Sender: sender})
		require.NoError(t, err)

		r.Recover(t.Context(), FailedMessage{
			Topic:     "order.events",
			Key:       "o-1",
			Value:     []byte(`{"x":1}`),
			Partition: 0,
			Offset:    17,
		})

		require.Equal(t, "order.events.DLQ", sender.topic)
		require.NotNil(t, sender.dl)
		require.Equal(t, "order.events", sender.dl.OriginalTopic)
		require.Equal(t, "o-1", sender.dl.OriginalKey)
		require.Equal(t, []byte(`{"x":1}`), sender.dl.OriginalValue)
		require.Equal(t, uint64(17), sender.dl.OriginalOffset)
		require.Equal(t, 0, sender.dl.RetryCount)
		require.False(t, sender.dl.FailedAt.IsZero())

		h := sender.dl.Headers()
		require.Equal(t, "order.events", h[HeaderOriginalTopic])
		require.Equal(t, "17", h[HeaderOriginalOffset])
		require.Equal(t, "0", h[HeaderOriginalPartition])
		require.Equal(t, "0", h[HeaderRetryCount])
	})

	t.Run("dlq send failure is swallowed", func(t *testing.T) {
		sender := &captureSender{err: fmt.Errorf("broker down")}
		r, err := NewRecoverer(RecovererOpts{Sender: sender})
		require.NoError(t, err)

		// must not panic or retry, the record is logged and dropped
		r.Recover(t.Context(), FailedMessage{Topic: "order.events", Key: "o-1"})
	})

	t.Run("sender required", func(t *testing.T) {
		_, err := NewRecoverer(RecovererOpts{})
		require.Error(t, err)
	})
}

func TestDeduper(t *testing.T) {
	d := NewDeduper(8, time.Minute)
	require.False(t, d.Seen("e-1"))
	require.True(t, d.Seen("e-1"))
	require.False(t, d.Seen("e-2"))
	require.False(t, d.Seen(""))
	require.False(t, d.Seen(""))
}

func TestReceipt(t *testing.T) {
	r := NewReceipt()
	go r.Complete(PublishResult{Topic: "t", Sequence: 3})

	select {
	case res := <-r.Done():
		require.Equal(t, "t", res.Topic)
		require.Equal(t, uint64(3), res.Sequence)
		require.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("receipt never resolved")
	}
}
