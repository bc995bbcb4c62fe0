package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/streamhaus/backbone/core/es"
)

const (
	defaultSubjectPrefix = "backbone.es"
	defaultStreamName    = "BACKBONE_ES"
)

type EventStoreConfig struct {
	Connect       Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string
	StreamName    string
	Metrics       es.ESMetrics
}

// EventStore is the JetStream-backed event log. Events are stored one
// message per event on subjects
//
//	<prefix>.<aggregateType>.<aggregateID>
//
// one subject per aggregate, with the event type carried in the
// x-event-type header and the envelope body. Keeping the aggregate's
// whole stream on a single subject lets the broker enforce the
// optimistic version check: every append states the aggregate subject's
// expected last sequence, so two writers racing on the same expected
// version cannot both land.
type EventStore struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
	metrics       es.ESMetrics
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
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
		metrics = es.NopESMetrics()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	log.Debug("ensuring stream")

	stream, streamInfo, err := ensureStream(js, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if err != nil {
		return nil, err
	}

	log.Debug("ensured", slog.Any("stream", streamInfo))

	return &EventStore{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		log:           log,
		stream:        stream,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
		metrics:       metrics,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

func (e *EventStore) Subscribe(ctx context.Context, opts ...es.SubscribeOption) (es.Subscription, error) {
	options := es.NewSubscribeOpts(opts...)

	// aggregate type and id map to subject tokens; event-type filters are
	// applied client-side since the subject no longer carries the type
	filters := options.Filters()
	seen := map[string]bool{}
	var filterSubjects []string
	for _, f := range filters {
		s := e.subjectForFilter(f)
		if !seen[s] {
			seen[s] = true
			filterSubjects = append(filterSubjects, s)
		}
	}
	if len(filterSubjects) == 0 {
		filterSubjects = []string{e.subjectPrefix + ".>"}
	}

	maxSeq := uint64(0)
	for _, s := range filterSubjects {
		m, err := e.stream.GetLastMsgForSubject(ctx, s)
		if err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, fmt.Errorf("failed to get last message for subject %q: %w", s, err)
		} else if err == nil {
			maxSeq = max(maxSeq, m.Sequence)
		}
	}

	ch := make(chan es.Envelope, 64)

	consumerCfg := jetstream.ConsumerConfig{
		AckPolicy:         jetstream.AckExplicitPolicy,
		FilterSubjects:    filterSubjects,
		InactiveThreshold: 10 * time.Minute,
	}
	switch options.DeliverPolicy() {
	case es.DeliverAllPolicy:
		consumerCfg.DeliverPolicy = jetstream.DeliverAllPolicy
		if startSeq := options.StartSeq(); startSeq > 1 {
			consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
			consumerCfg.OptStartSeq = startSeq
		}
	default:
		consumerCfg.DeliverPolicy = jetstream.DeliverNewPolicy
	}

	e.log.Debug("subscribe", slog.Any("filter_subjects", filterSubjects))

	consumer, err := e.stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer filter_subjects=%+v: %w", filterSubjects, err)
	}

	ctx, cancel := context.WithCancel(ctx)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := msg.Ack(); err != nil {
			e.log.Error("es: failed to ack message", slog.Any("error", err))
			return
		}

		ev, err := e.decodeMsg(msg)
		if err != nil {
			e.log.Error("es: failed to decode message", slog.Any("error", err))
			return
		}
		if !filtersMatch(filters, *ev) {
			return
		}

		select {
		case ch <- *ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	stopOnce := sync.Once{}
	stop := func() {
		stopOnce.Do(func() {
			// cancel first so callbacks blocked on the channel unblock;
			// close only after the consumer has finished every callback
			cancel()
			cc.Drain()
			go func() {
				<-cc.Closed()
				close(ch)
			}()
		})
	}

	context.AfterFunc(ctx, func() {
		stop()
	})

	return &jsStoreSubscription{ch: ch, cancel: stop, maxSeq: maxSeq}, nil
}

func (e *EventStore) Load(
	ctx context.Context,
	aggType string,
	aggID string,
	opts ...es.LoadOption,
) (loadedEvents []es.Envelope, err error) {
	if aggType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	if aggID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	loadOpts := &loadOptions{}
	for _, opt := range opts {
		opt.ApplyToLoadOptions(loadOpts)
	}

	defer e.metrics.StoreLoadDuration(aggType).ObserveDuration()

	subj := e.subjectFor(aggType, aggID)

	// the last event bounds the scan so a live appender cannot keep the
	// ordered consumer fetching forever
	mre, err := e.lastEventForAgg(ctx, aggType, aggID)
	if err != nil {
		return nil, err
	}
	if mre == nil {
		return nil, nil
	}

	consumerCfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subj},
	}
	if loadOpts.startSeq > 0 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = loadOpts.startSeq
	}
	cc, err := e.stream.OrderedConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, err
	}

	all, err := e.consumeEvents(ctx, cc, mre.Seq, nil)
	if err != nil {
		return nil, err
	}

	if loadOpts.afterVersion > 0 {
		for _, ev := range all {
			if ev.Version > loadOpts.afterVersion {
				loadedEvents = append(loadedEvents, ev)
			}
		}
		return loadedEvents, nil
	}
	return all, nil
}

// LoadByEventType scans all aggregates for events of one type, in global
// sequence order. The subject carries no event-type token, so this is a
// full-stream scan filtered on the envelope. Diagnostics only, not a hot
// path.
func (e *EventStore) LoadByEventType(ctx context.Context, eventType string) ([]es.Envelope, error) {
	if eventType == "" {
		return nil, errors.New("event type is empty")
	}
	return e.scanSubject(ctx, e.subjectPrefix+".>", func(ev *es.Envelope) bool {
		return ev.Type == eventType
	})
}

// LoadByCorrelationID scans the whole stream and keeps events sharing the
// correlation id. Diagnostics only, not a hot path.
func (e *EventStore) LoadByCorrelationID(ctx context.Context, correlationID string) ([]es.Envelope, error) {
	if correlationID == "" {
		return nil, errors.New("correlation id is empty")
	}
	return e.scanSubject(ctx, e.subjectPrefix+".>", func(ev *es.Envelope) bool {
		return ev.CorrelationID == correlationID
	})
}

func (e *EventStore) LatestVersion(ctx context.Context, aggType string, aggID string) (es.Version, error) {
	lm, err := e.lastEventForAgg(ctx, aggType, aggID)
	if err != nil {
		return 0, err
	}
	if lm == nil {
		return 0, nil
	}
	return lm.Version, nil
}

// Append stores the batch under the optimistic version check. The check
// is enforced by the broker, not just read-then-write: each message
// states the aggregate subject's expected last sequence, so of two
// writers racing on the same expected version exactly one lands. A batch
// interrupted mid-way rolls its landed events back.
func (e *EventStore) Append(
	ctx context.Context,
	aggType string,
	aggID string,
	expectedVersion es.Version,
	events []es.Envelope,
) (res *es.AppendResult, err error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}
	if aggType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	if aggID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	defer e.metrics.StoreAppendDuration(aggType).ObserveDuration()

	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("failed to validate event: %w", err)
		}
		if want := expectedVersion + es.Version(i+1); ev.Version != want {
			return nil, fmt.Errorf(
				"event version %d breaks contiguity, want %d (agg_type=%s agg_id=%s)",
				ev.Version, want, aggType, aggID,
			)
		}
	}

	// fast-path check against the current last version; the publish below
	// re-asserts it broker-side, so a racing writer cannot slip between
	last, err := e.lastEventForAgg(ctx, aggType, aggID)
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	var currentVersion es.Version
	var lastSeq uint64
	if last != nil {
		currentVersion = last.Version
		lastSeq = last.Seq
	}
	if currentVersion != expectedVersion {
		e.metrics.ConcurrencyConflict(aggType)
		return nil, fmt.Errorf(
			"%w: expected version %d, got %d (agg_type=%s agg_id=%s)",
			es.ErrConcurrencyConflict,
			expectedVersion,
			currentVersion,
			aggType,
			aggID,
		)
	}

	// each publish expects the aggregate subject's last sequence: the
	// broker rejects the first event of both halves of a race, and the
	// chain keeps a batch contiguous
	var appended []uint64
	for _, ev := range events {
		seq, err := e.append(ctx, ev, lastSeq)
		if err != nil {
			e.rollback(appended)
			if isWrongLastSequence(err) {
				e.metrics.ConcurrencyConflict(aggType)
				return nil, fmt.Errorf(
					"%w: expected version %d (agg_type=%s agg_id=%s): %s",
					es.ErrConcurrencyConflict, expectedVersion, aggType, aggID, err,
				)
			}
			return nil, err
		}
		appended = append(appended, seq)
		lastSeq = seq
	}

	e.metrics.EventsAppended(aggType, len(events))

	return &es.AppendResult{
		LastSeq:     lastSeq,
		LastVersion: events[len(events)-1].Version,
	}, nil
}

func (e *EventStore) append(ctx context.Context, ev es.Envelope, expectLastSeq uint64) (seq uint64, err error) {
	subject := e.subjectFor(ev.AggregateType, ev.AggregateID)
	msg := natsgo.NewMsg(subject)
	msg.Header.Set("x-event-type", ev.Type)
	msg.Header.Set("x-aggregate-type", ev.AggregateType)
	msg.Header.Set("x-aggregate-id", ev.AggregateID)
	if ev.CorrelationID != "" {
		msg.Header.Set("x-correlation-id", ev.CorrelationID)
	}
	msg.Data, err = json.Marshal(ev)
	if err != nil {
		return 0, err
	}

	var ackF jetstream.PubAckFuture
	ackF, err = e.js.PublishMsgAsync(
		msg,
		jetstream.WithMsgID(ev.ID),
		jetstream.WithExpectLastSequencePerSubject(expectLastSeq),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append to subject %s %s: %w", subject, ev.Type, err)
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-ackF.Err():
		return 0, fmt.Errorf("append rejected on subject %s: %w", subject, err)
	case ack := <-ackF.Ok():
		return ack.Sequence, nil
	}
}

// rollback removes already-landed events of a batch whose later event
// failed, so a batch is never left partially visible. Best effort: a
// broker unreachable for the delete was unreachable for the remaining
// appends too, and the failure is logged.
func (e *EventStore) rollback(seqs []uint64) {
	if len(seqs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), natsgo.DefaultTimeout)
	defer cancel()
	for _, seq := range seqs {
		if err := e.stream.DeleteMsg(ctx, seq); err != nil {
			e.log.Error("failed to roll back partial append",
				slog.Uint64("seq", seq), slog.Any("error", err))
		}
	}
}

// isWrongLastSequence reports whether the broker rejected a publish
// because the subject's last sequence did not match the expectation.
func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// scanSubject reads every message matching subj, oldest first, optionally
// filtered client-side.
func (e *EventStore) scanSubject(ctx context.Context, subj string, keep func(*es.Envelope) bool) ([]es.Envelope, error) {
	lm, err := e.stream.GetLastMsgForSubject(ctx, subj)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, err
	}

	cc, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subj},
	})
	if err != nil {
		return nil, err
	}
	return e.consumeEvents(ctx, cc, lm.Sequence, keep)
}

func (e *EventStore) consumeEvents(
	ctx context.Context,
	cc jetstream.Consumer,
	endSeq uint64,
	keep func(*es.Envelope) bool,
) (loadedEvents []es.Envelope, err error) {
	var (
		mb  jetstream.MessageBatch
		msg jetstream.Msg
		ev  *es.Envelope
	)

outer:

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err = cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}

		empty := true

		for msg = range mb.Messages() {
			empty = false
			ev, err = e.decodeMsg(msg)
			if err != nil {
				return nil, fmt.Errorf("failed to decode message: %w", err)
			}

			if keep == nil || keep(ev) {
				loadedEvents = append(loadedEvents, *ev)
			}

			// consume stop criteria
			if endSeq > 0 && ev.Seq >= endSeq {
				break outer
			}
		}

		if empty {
			break
		}
	}

	return loadedEvents, nil
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

func (e *EventStore) decodeMsg(msg jetstream.Msg) (env *es.Envelope, err error) {
	var md *jetstream.MsgMetadata
	md, err = msg.Metadata()
	if err != nil {
		return nil, err
	}

	env = &es.Envelope{}
	err = json.Unmarshal(msg.Data(), env)
	if err != nil {
		return nil, err
	}
	env.Seq = md.Sequence.Stream
	return env, nil
}

func (e *EventStore) lastEventForAgg(ctx context.Context, aggType, aggID string) (lastMsg *es.Envelope, err error) {
	subject := e.subjectFor(aggType, aggID)
	if lm, getLastErr := e.stream.GetLastMsgForSubject(ctx, subject); getLastErr != nil {
		if errors.Is(getLastErr, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, getLastErr
	} else if lm != nil {
		lastMsg = &es.Envelope{}
		err = json.Unmarshal(lm.Data, lastMsg)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal last message for subject %q: %w", subject, err)
		}
		lastMsg.Seq = lm.Sequence
	}
	return
}

var _ es.EventStore = (*EventStore)(nil)

// --- helpers ---

type loadOptions struct {
	afterVersion es.Version
	startSeq     uint64
}

func (l *loadOptions) SetAfterVersion(v es.Version) { l.afterVersion = v }
func (l *loadOptions) SetStartSeq(seq uint64)       { l.startSeq = seq }

func (e *EventStore) subjectFor(aggregateType, aggregateID string) string {
	return e.subjectPrefix + "." + aggregateType + "." + aggregateID
}

func (e *EventStore) subjectForFilter(f es.SubscribeFilter) string {
	tok := func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	return e.subjectFor(tok(f.AggregateType), tok(f.AggregateID))
}

func filtersMatch(filters []es.SubscribeFilter, env es.Envelope) bool {
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

// --- Subscription ---

type jsStoreSubscription struct {
	ch     chan es.Envelope
	cancel context.CancelFunc
	maxSeq uint64
}

func (s *jsStoreSubscription) MaxSequence() uint64      { return s.maxSeq }
func (s *jsStoreSubscription) Cancel()                  { s.cancel() }
func (s *jsStoreSubscription) Chan() <-chan es.Envelope { return s.ch }

var _ es.Subscription = (*jsStoreSubscription)(nil)
