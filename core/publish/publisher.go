package publish

import "context"

// PublishResult is the asynchronous outcome of one publish attempt.
type PublishResult struct {
	Topic string
	// Sequence is the broker-assigned position of the accepted message,
	// informational only.
	Sequence uint64
	// Err is non-nil when the broker rejected or never acknowledged the
	// message. By then the message has already been handed to the
	// dead-letter path; Err exists for observability, not for retry.
	Err error
}

// Receipt is the future handed back by a Publish call. The producing
// operation may continue without waiting; completion (success or
// dead-letter routing) happens on a separate callback path.
type Receipt struct {
	ch chan PublishResult
}

func NewReceipt() *Receipt {
	return &Receipt{ch: make(chan PublishResult, 1)}
}

// Done yields exactly one PublishResult.
func (r *Receipt) Done() <-chan PublishResult { return r.ch }

// Complete resolves the receipt. It is safe to call at most once.
func (r *Receipt) Complete(res PublishResult) {
	r.ch <- res
	close(r.ch)
}

// Publisher sends envelopes to a durable broker topic.
//
// Publish is non-blocking with respect to the caller: it returns after
// the send has been handed to the broker client. A synchronous error is
// returned only for programmer errors (invalid envelope, serialization);
// transient broker failures resolve through the receipt and are routed to
// the dead-letter handler instead of failing the caller.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *Envelope) (*Receipt, error)
	Close() error
}
