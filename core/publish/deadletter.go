package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Header names attached to dead-letter messages.
const (
	HeaderOriginalTopic     = "X-Original-Topic"
	HeaderOriginalOffset    = "X-Original-Offset"
	HeaderOriginalPartition = "X-Original-Partition"
	HeaderRetryCount        = "X-Retry-Count"
)

// FailedMessage describes a broker delivery that did not complete,
// together with where the message was headed.
type FailedMessage struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int32
	Offset    uint64
	FailedAt  time.Time
}

// DeadLetter is the record sent to the parallel dead-letter channel. It
// carries everything replay tooling needs to re-drive the original send.
type DeadLetter struct {
	OriginalTopic     string    `json:"originalTopic"`
	OriginalKey       string    `json:"originalKey"`
	OriginalValue     []byte    `json:"originalValue"`
	OriginalOffset    uint64    `json:"originalOffset"`
	OriginalPartition int32     `json:"originalPartition"`
	FailedAt          time.Time `json:"failedAt"`
	RetryCount        int       `json:"retryCount"`
}

// Headers returns the wire headers for the record.
func (d *DeadLetter) Headers() map[string]string {
	return map[string]string{
		HeaderOriginalTopic:     d.OriginalTopic,
		HeaderOriginalOffset:    strconv.FormatUint(d.OriginalOffset, 10),
		HeaderOriginalPartition: strconv.FormatInt(int64(d.OriginalPartition), 10),
		HeaderRetryCount:        strconv.Itoa(d.RetryCount),
	}
}

// DLQTopicFor names the dead-letter channel parallel to topic. Pure and
// deterministic.
func DLQTopicFor(topic string) string {
	return topic + ".DLQ"
}

// DLQSender delivers a dead-letter record to the named DLQ topic.
type DLQSender interface {
	SendDLQ(ctx context.Context, topic string, dl *DeadLetter) error
}

// Recoverer captures failed broker deliveries and re-publishes them to
// the parallel dead-letter channel for out-of-band inspection and replay.
type Recoverer struct {
	log     *slog.Logger
	sender  DLQSender
	metrics PublishMetrics
}

type RecovererOpts struct {
	Log     *slog.Logger
	Sender  DLQSender
	Metrics PublishMetrics
}

func NewRecoverer(opts RecovererOpts) (*Recoverer, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("dlq sender is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = NopPublishMetrics()
	}
	return &Recoverer{
		log:     log.With(slog.String("component", "dead_letter")),
		sender:  opts.Sender,
		metrics: m,
	}, nil
}

// Recover builds a dead-letter record for the failed message, with the
// retry count initialized to 0, and sends it to <topic>.DLQ. The send is
// best-effort: if it also fails, the failure is logged and dropped rather
// than re-queued, so a broken broker cannot start an in-process retry
// storm.
func (r *Recoverer) Recover(ctx context.Context, failed FailedMessage) {
	failedAt := failed.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}

	dl := &DeadLetter{
		OriginalTopic:     failed.Topic,
		OriginalKey:       failed.Key,
		OriginalValue:     failed.Value,
		OriginalOffset:    failed.Offset,
		OriginalPartition: failed.Partition,
		FailedAt:          failedAt,
		RetryCount:        0,
	}

	dlqTopic := DLQTopicFor(failed.Topic)
	r.metrics.DeadLettered(failed.Topic)

	if err := r.sender.SendDLQ(ctx, dlqTopic, dl); err != nil {
		r.metrics.DLQSendFailed(failed.Topic)
		r.log.Error(
			"dead-letter send failed, dropping record",
			slog.String("topic", failed.Topic),
			slog.String("dlq_topic", dlqTopic),
			slog.String("key", failed.Key),
			slog.Any("error", err),
		)
		return
	}

	r.log.Warn(
		"message dead-lettered",
		slog.String("topic", failed.Topic),
		slog.String("dlq_topic", dlqTopic),
		slog.String("key", failed.Key),
		slog.Uint64("offset", failed.Offset),
	)
}
