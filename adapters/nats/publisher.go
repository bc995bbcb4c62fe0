package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/streamhaus/backbone/core/publish"
)

const defaultPublishStreamName = "BACKBONE_EVENTS"

type PublisherConfig struct {
	Connect    Connector
	Log        *slog.Logger
	StreamName string
	// Subjects the stream is fed with. Defaults cover the per-domain
	// business topics and their dead-letter channels.
	Subjects []string
	Metrics  publish.PublishMetrics
}

// Publisher delivers envelopes to per-domain JetStream topics. Sends are
// asynchronous: the broker acknowledgment resolves the receipt, and a
// rejected or unacknowledged send is routed to the topic's dead-letter
// channel instead of failing the caller.
type Publisher struct {
	nc        *natsgo.Conn
	closeNc   closeFunc
	js        jetstream.JetStream
	log       *slog.Logger
	metrics   publish.PublishMetrics
	recoverer *publish.Recoverer
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = publish.NopPublishMetrics()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultPublishStreamName
	}
	subjects := cfg.Subjects
	if len(subjects) == 0 {
		subjects = []string{"*.events", "*.events.DLQ"}
	}

	log = log.With(slog.String("publisher", "nats_js"), slog.String("stream", streamName))

	_, _, err = ensureStream(js, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		nc:      nc,
		closeNc: closeNatsCon,
		js:      js,
		log:     log,
		metrics: metrics,
	}

	// the publisher is its own DLQ sender: the dead-letter channel lives
	// on the same stream as the business topics
	p.recoverer, err = publish.NewRecoverer(publish.RecovererOpts{
		Log:     log,
		Sender:  p,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, topic string, env *publish.Envelope) (*publish.Receipt, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is empty")
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, &publish.SerializationError{Err: err}
	}

	msg := natsgo.NewMsg(topic)
	msg.Header.Set("content-type", publish.ContentType)
	msg.Header.Set("ce-id", env.ID)
	msg.Header.Set("ce-type", env.Type)
	msg.Header.Set("ce-source", env.Source)
	msg.Data = data

	startAt := time.Now()

	ackF, err := p.js.PublishMsgAsync(msg, jetstream.WithMsgID(env.ID))
	if err != nil {
		// the client never accepted the send, hand it to the DLQ path
		p.metrics.PublishFailed(topic)
		p.recoverer.Recover(ctx, publish.FailedMessage{
			Topic:    topic,
			Key:      env.ID,
			Value:    data,
			FailedAt: time.Now().UTC(),
		})
		r := publish.NewReceipt()
		r.Complete(publish.PublishResult{Topic: topic, Err: err})
		return r, nil
	}

	r := publish.NewReceipt()

	go func() {
		select {
		case ack := <-ackF.Ok():
			p.metrics.Published(topic)
			p.metrics.PublishDuration(topic, time.Since(startAt).Seconds())
			p.log.Debug("published",
				slog.String("topic", topic),
				slog.String("envelope_id", env.ID),
				slog.Uint64("offset", ack.Sequence),
			)
			r.Complete(publish.PublishResult{Topic: topic, Sequence: ack.Sequence})

		case err := <-ackF.Err():
			p.metrics.PublishFailed(topic)
			p.recoverer.Recover(context.Background(), publish.FailedMessage{
				Topic:    topic,
				Key:      env.ID,
				Value:    data,
				FailedAt: time.Now().UTC(),
			})
			r.Complete(publish.PublishResult{Topic: topic, Err: err})
		}
	}()

	return r, nil
}

// SendDLQ publishes a dead-letter record synchronously with the
// X-Original-* headers set.
func (p *Publisher) SendDLQ(ctx context.Context, topic string, dl *publish.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return err
	}

	msg := natsgo.NewMsg(topic)
	for k, v := range dl.Headers() {
		msg.Header.Set(k, v)
	}
	msg.Data = data

	_, err = p.js.PublishMsg(ctx, msg)
	return err
}

func (p *Publisher) Close() error {
	p.js.CleanupPublisher()
	p.closeNc()
	p.log.Debug("closed publisher")
	return nil
}

var (
	_ publish.Publisher = (*Publisher)(nil)
	_ publish.DLQSender = (*Publisher)(nil)
)
