// Package relay bridges the event store to the outbound delivery paths.
// It tails the store and forwards every appended event both to the
// durable broker (through a Publisher) and to the live fan-out hub, so
// downstream consumers and connected subscribers see the same stream.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamhaus/backbone/core/es"
	"github.com/streamhaus/backbone/core/fanout"
	"github.com/streamhaus/backbone/core/publish"
)

// Broadcaster is the slice of the fan-out hub the relay needs.
type Broadcaster interface {
	Broadcast(name string, data json.RawMessage) fanout.Event
}

// TopicFor names the broker topic for an aggregate type, one topic per
// business domain.
func TopicFor(aggregateType string) string {
	return aggregateType + ".events"
}

// SourceFor builds the envelope source URI identifying the producing
// aggregate.
func SourceFor(aggregateType, aggregateID string) string {
	return fmt.Sprintf("//backbone/%s/%s", aggregateType, aggregateID)
}

type RelayOpts struct {
	Log       *slog.Logger
	Publisher publish.Publisher
	Hub       Broadcaster
	// DedupWindow suppresses redelivered store events by id. Defaults to
	// 4096 ids for 10 minutes each.
	DedupSize   int
	DedupWindow time.Duration
}

// Relay is an event store handler forwarding each stored event to the
// broker and the fan-out hub. Broker delivery failures resolve through
// the publisher's dead-letter path and never fail the relay itself.
type Relay struct {
	log       *slog.Logger
	publisher publish.Publisher
	hub       Broadcaster
	dedup     *publish.Deduper
}

func NewRelay(opts RelayOpts) (*Relay, error) {
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	size := opts.DedupSize
	if size <= 0 {
		size = 4096
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Relay{
		log:       log.With(slog.String("component", "relay")),
		publisher: opts.Publisher,
		hub:       opts.Hub,
		dedup:     publish.NewDeduper(size, window),
	}, nil
}

func (r *Relay) Handle(msgCtx es.MsgCtx) error {
	ev := msgCtx.Envelope()

	if r.dedup.Seen(ev.ID) {
		msgCtx.Log().Debug("duplicate store event suppressed", slog.String("event_id", ev.ID))
		return nil
	}

	env, err := publish.NewEnvelope(
		ev.Type,
		SourceFor(ev.AggregateType, ev.AggregateID),
		ev.Data,
	)
	if err != nil {
		// serialization problems are programmer errors, surface them
		return fmt.Errorf("failed to build envelope: %w", err)
	}

	topic := TopicFor(ev.AggregateType)
	receipt, err := r.publisher.Publish(msgCtx.Context(), topic, env)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	go func() {
		res := <-receipt.Done()
		if res.Err != nil {
			// already routed to the dead-letter path by the publisher
			r.log.Warn("broker delivery failed",
				slog.String("topic", res.Topic),
				slog.String("envelope_id", env.ID),
				slog.Any("error", res.Err),
			)
			return
		}
		r.log.Debug("delivered",
			slog.String("topic", res.Topic),
			slog.Uint64("offset", res.Sequence),
			slog.String("envelope_id", env.ID),
		)
	}()

	if r.hub != nil {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to encode envelope for fan-out: %w", err)
		}
		r.hub.Broadcast(ev.Type, data)
	}

	return nil
}

var _ es.Handler = (*Relay)(nil)

// NewConsumer wires a checkpointed store consumer around the relay. The
// relay forwards opaque payloads, so nothing is decoded against a
// registry and no event type is skipped.
func NewConsumer(store es.EventStore, r *Relay, cp es.CpStore, opts ...es.ConsumerOption) *es.Consumer {
	opts = append([]es.ConsumerOption{
		es.WithConsumerName("relay"),
		// checkpoint outermost so the consumer resumes from the stored seq
		es.WithMiddlewares(
			es.NewCheckpointMiddleware(cp),
			es.NewLogMiddleware(slog.String("component", "relay")),
		),
	}, opts...)
	return es.NewConsumer(store, es.RawDecoder{}, r, opts...)
}
