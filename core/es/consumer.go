package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Checkpoint is implemented by handlers that track their processing
// progress. When present, the Consumer resumes from GetLastSeq()+1 after a
// restart instead of replaying the whole log.
type Checkpoint interface {
	// GetLastSeq returns the sequence of the last successfully processed
	// event, or ErrCheckpointNotFound when no checkpoint exists yet.
	GetLastSeq() (uint64, error)
}

// MsgCtx carries one event through a handler chain together with its
// decoded payload and whether the consumer is live or still catching up on
// historical events.
type MsgCtx struct {
	ctx  context.Context
	log  *slog.Logger
	ev   Envelope
	evt  any
	live bool
}

// NewMsgCtx builds a message context for handing an envelope directly to
// a Handler, outside a running Consumer. Used by handler tests and
// synchronous dispatch.
func NewMsgCtx(ctx context.Context, ev Envelope, evt any) MsgCtx {
	return MsgCtx{
		ctx:  ctx,
		log:  slog.Default(),
		ev:   ev,
		evt:  evt,
		live: true,
	}
}

func (c *MsgCtx) Log() *slog.Logger        { return c.log }
func (c *MsgCtx) Context() context.Context { return c.ctx }
func (c *MsgCtx) Event() any               { return c.evt }
func (c *MsgCtx) Live() bool               { return c.live }

func (c *MsgCtx) Seq() uint64           { return c.ev.Seq }
func (c *MsgCtx) Envelope() Envelope    { return c.ev }
func (c *MsgCtx) Version() Version      { return c.ev.Version }
func (c *MsgCtx) AggregateID() string   { return c.ev.AggregateID }
func (c *MsgCtx) AggregateType() string { return c.ev.AggregateType }
func (c *MsgCtx) CorrelationID() string { return c.ev.CorrelationID }
func (c *MsgCtx) Data() json.RawMessage { return c.ev.Data }
func (c *MsgCtx) Type() string          { return c.ev.Type }
func (c *MsgCtx) OccurredAt() time.Time { return c.ev.OccurredAt }

// Consumer tails an EventStore subscription and dispatches each event to a
// Handler. It runs as a single logical thread per handler: it may lag the
// store arbitrarily and never blocks appenders.
type Consumer struct {
	store           EventStore
	decoder         Decoder
	handler         Handler
	log             *slog.Logger
	live            chan struct{}
	isLive          atomic.Bool
	closeChan       chan struct{}
	closeOnce       sync.Once
	done            chan struct{}
	shutdownTimeout time.Duration
	name            string
	metrics         ESMetrics
}

func (c *Consumer) handle(ctx context.Context, ev Envelope) error {
	live := c.isLive.Load()

	defer c.metrics.ConsumerEventDuration(ev.Type, live).ObserveDuration()

	evt, err := c.decoder.Decode(ev)
	if err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			// forward-compatible: newer event types flow past older consumers
			return nil
		}
		c.metrics.ConsumerEventProcessed(ev.Type, live, false)
		return fmt.Errorf("failed to decode event: %w", err)
	}
	msgCtx := MsgCtx{
		ctx:  ctx,
		ev:   ev,
		evt:  evt,
		live: live,
		log: c.log.With(
			slog.Group(
				"event",
				slog.String("id", ev.ID),
				slog.Uint64("seq", ev.Seq),
				ev.Version.SlogAttr(),
				slog.String("type", ev.Type),
				slog.String("aggregate_id", ev.AggregateID),
				slog.String("aggregate_type", ev.AggregateType),
				slog.Time("occurred_at", ev.OccurredAt),
			),
		),
	}
	if err := c.handler.Handle(msgCtx); err != nil {
		c.metrics.ConsumerEventProcessed(ev.Type, live, false)
		return fmt.Errorf("failed to handle event: %w", err)
	}
	c.metrics.ConsumerEventProcessed(ev.Type, live, true)
	return nil
}

func (c *Consumer) Start(ctx context.Context) error {
	c.log.Info("starting event consumer", slog.String("handler", fmt.Sprintf("%T", c.handler)))

	if lc, ok := c.handler.(HandlerLifecycleStart); ok {
		if err := lc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer lifecycle: %w", err)
		}
		c.log.Debug("handler started")
	}

	var lastSeenSeq uint64 = 0
	if cp, ok := c.handler.(Checkpoint); ok {
		var err error
		lastSeenSeq, err = cp.GetLastSeq()
		if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
			return err
		}
	}

	c.log.Info("subscribing", slog.Uint64("last_seen_seq", lastSeenSeq))

	sub, err := c.store.Subscribe(
		ctx,
		WithDeliverPolicy(DeliverAllPolicy),
		WithStartSequence(lastSeenSeq+1),
	)
	if err != nil {
		return err
	}

	liveAt := sub.MaxSequence()
	if liveAt == 0 || liveAt == lastSeenSeq {
		c.isLive.Store(true)
		close(c.live)
	}

	go func() {
		defer func() {
			sub.Cancel()
			if lc, ok := c.handler.(HandlerLifecycleShutdown); ok {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
				defer cancel()
				if err := lc.Shutdown(shutdownCtx); err != nil {
					c.log.Error("failed to shutdown consumer lifecycle", slog.Any("error", err))
				}
			}
			c.log.Info("stopped")
			close(c.done)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closeChan:
				return

			case ev, ok := <-sub.Chan():
				if !ok {
					return
				}
				if err := c.handle(ctx, ev); err != nil {
					c.log.Error("event handler failed", slog.Any("error", err))
				}
				isLive := c.isLive.Load()
				if !isLive && ev.Seq >= liveAt {
					c.isLive.Store(true)
					close(c.live)
				}
				// report consumer lag
				if liveAt > ev.Seq {
					c.metrics.ConsumerLag(c.name, int64(liveAt-ev.Seq))
				} else {
					c.metrics.ConsumerLag(c.name, 0)
				}
			}
		}
	}()

	c.log.Debug("started, waiting until live")
	select {
	case <-c.live:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.log.Debug("became live")

	return nil
}

func (c *Consumer) Stop() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		<-c.done
	})
}

func NewConsumer(
	store EventStore,
	decoder Decoder,
	handler Handler,
	opts ...ConsumerOption,
) *Consumer {
	options := newConsumerOpts(opts...)
	log := options.log.With(slog.String("consumer", options.name))

	return &Consumer{
		log:             log,
		store:           store,
		decoder:         decoder,
		closeChan:       make(chan struct{}),
		done:            make(chan struct{}),
		live:            make(chan struct{}),
		handler:         applyMiddlewares(handler, options.mws),
		shutdownTimeout: options.shutdownTimeout,
		name:            options.name,
		metrics:         options.metrics,
	}
}
