package es

import "context"

type DeliverPolicy string

const (
	// DeliverAllPolicy replays the retained log from the start sequence
	// before switching to live events.
	DeliverAllPolicy DeliverPolicy = "all"
	// DeliverNewPolicy delivers only events appended after subscribing.
	DeliverNewPolicy DeliverPolicy = "new"
)

// SubscribeFilter narrows a subscription. Empty fields match everything.
type SubscribeFilter struct {
	AggregateType string
	AggregateID   string
	EventType     string
}

// Matches reports whether the envelope satisfies every set field.
func (f SubscribeFilter) Matches(env Envelope) bool {
	if f.AggregateType != "" && env.AggregateType != f.AggregateType {
		return false
	}
	if f.AggregateID != "" && env.AggregateID != f.AggregateID {
		return false
	}
	if f.EventType != "" && env.Type != f.EventType {
		return false
	}
	return true
}

type SubscribeOpts struct {
	deliverPolicy DeliverPolicy
	filters       []SubscribeFilter
	startSeq      uint64
}

func (s *SubscribeOpts) DeliverPolicy() DeliverPolicy { return s.deliverPolicy }
func (s *SubscribeOpts) Filters() []SubscribeFilter   { return s.filters }
func (s *SubscribeOpts) StartSeq() uint64             { return s.startSeq }

type SubscribeOption func(opts *SubscribeOpts)

func NewSubscribeOpts(opts ...SubscribeOption) SubscribeOpts {
	options := SubscribeOpts{
		deliverPolicy: DeliverNewPolicy,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithDeliverPolicy(policy DeliverPolicy) SubscribeOption {
	return func(opts *SubscribeOpts) {
		opts.deliverPolicy = policy
	}
}

func WithFilters(filters ...SubscribeFilter) SubscribeOption {
	return func(opts *SubscribeOpts) {
		opts.filters = filters
	}
}

func WithStartSequence(startSeq uint64) SubscribeOption {
	return func(opts *SubscribeOpts) {
		opts.startSeq = startSeq
	}
}

// Subscription is a live tail of the store. The channel is closed when the
// subscription is cancelled.
type Subscription interface {
	Cancel()
	Chan() <-chan Envelope
	// MaxSequence is the highest sequence that existed when the
	// subscription was created; consumers use it to detect when they have
	// caught up with the log.
	MaxSequence() uint64
}

// Stream is implemented by stores that support tailing.
type Stream interface {
	Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error)
}

func matchFilters(env Envelope, filters []SubscribeFilter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(env) {
			return true
		}
	}
	return false
}
