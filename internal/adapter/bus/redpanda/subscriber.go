package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/observability"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
)

// Handler processes one validated delivery. The payload map has passed the
// topic schema; the raw bytes are available on the delivery for typed
// decoding. Returning an error wrapping domain.ErrSchemaViolation dead
// letters the message immediately; any other error triggers bounded
// redelivery.
type Handler func(ctx context.Context, d domain.Delivery, payload map[string]any) error

// Subscriber binds one handler to one routing key under the queue.<topic>
// consumer group. Deliveries are at-least-once: a record is marked only after
// the handler (or the retry/DLQ routing) finished, and in-flight handlers are
// bounded by the prefetch limit.
type Subscriber struct {
	client   *kgo.Client
	topic    string
	group    string
	handler  Handler
	pub      *Publisher
	policy   domain.RetryPolicy
	prefetch chan struct{}
	wg       sync.WaitGroup
}

// NewSubscriber constructs a Subscriber binding the named consumer to the
// dotted routing key. pub is used for redelivery and dead letter publication.
func NewSubscriber(brokers []string, consumer, topic string, handler Handler, pub *Publisher, policy domain.RetryPolicy, prefetch int) (*Subscriber, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if consumer == "" {
		return nil, fmt.Errorf("consumer name required")
	}
	s, ok := event.Resolve(topic)
	if !ok {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	if prefetch <= 0 {
		prefetch = 10
	}
	group := QueueName(consumer, s.Topic)
	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(PhysicalTopic(s.Topic)),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.FetchMaxBytes(10 * 1024 * 1024),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}
	return &Subscriber{
		client:   client,
		topic:    s.Topic,
		group:    group,
		handler:  handler,
		pub:      pub,
		policy:   policy,
		prefetch: make(chan struct{}, prefetch),
	}, nil
}

// Run polls until the context is cancelled, dispatching each record to a
// bounded pool of handler goroutines.
func (s *Subscriber) Run(ctx context.Context) error {
	slog.Info("subscriber started",
		slog.String("topic", s.topic),
		slog.String("group", s.group),
		slog.Int("prefetch", cap(s.prefetch)))
	for {
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			s.wg.Wait()
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					s.wg.Wait()
					return ctx.Err()
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			time.Sleep(time.Second)
			continue
		}
		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case s.prefetch <- struct{}{}:
			case <-ctx.Done():
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-s.prefetch }()
				s.process(ctx, record)
			}()
		})
	}
}

func (s *Subscriber) process(ctx context.Context, record *kgo.Record) {
	// A redelivery copy carries its earliest handling time in a header;
	// honoring it here keeps the copy durable on the broker during the
	// backoff instead of only in process memory.
	if wait := recordDelay(record, time.Now().UTC()); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			// Unmarked; the group redelivers after restart.
			return
		}
	}

	start := time.Now()
	attempt := recordAttempt(record)

	var payload map[string]any
	decodeErr := json.Unmarshal(record.Value, &payload)
	if decodeErr == nil {
		decodeErr = event.Validate(s.topic, payload)
	} else {
		decodeErr = fmt.Errorf("%w: malformed JSON payload: %v", domain.ErrSchemaViolation, decodeErr)
	}
	if decodeErr != nil {
		s.deadLetter(ctx, record, attempt, domain.DLQReasonInvalidSchema, decodeErr, false)
		s.client.MarkCommitRecords(record)
		observability.BusConsumedTotal.WithLabelValues(s.topic, "dlq").Inc()
		return
	}

	jobID, _ := payload["job_id"].(string)
	lg := slog.Default().With(
		slog.String("topic", s.topic),
		slog.String("job_id", jobID),
		slog.Int("attempt", attempt),
	)
	hctx := observability.ContextWithLogger(ctx, lg)
	if corr := headerValue(record, headerCorrelation); corr != "" {
		hctx = observability.ContextWithRequestID(hctx, corr)
	}

	d := domain.Delivery{
		Topic:      s.topic,
		Key:        string(record.Key),
		Payload:    record.Value,
		Attempt:    attempt,
		Partition:  record.Partition,
		Offset:     record.Offset,
		ReceivedAt: start,
	}
	err := s.handler(hctx, d, payload)
	observability.BusHandlerDuration.WithLabelValues(s.topic).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		observability.BusConsumedTotal.WithLabelValues(s.topic, "ok").Inc()
	case errors.Is(err, domain.ErrSchemaViolation):
		lg.Error("schema violation, dead lettering", slog.Any("error", err))
		s.deadLetter(hctx, record, attempt, domain.DLQReasonInvalidSchema, err, false)
		observability.BusConsumedTotal.WithLabelValues(s.topic, "dlq").Inc()
	case s.policy.Exhausted(attempt):
		lg.Error("delivery budget exhausted, dead lettering",
			slog.Int("max_deliveries", s.policy.MaxDeliveries),
			slog.Any("error", err))
		s.deadLetter(hctx, record, attempt, domain.DLQReasonMaxDeliveries, err, true)
		observability.BusConsumedTotal.WithLabelValues(s.topic, "dlq").Inc()
	default:
		delay := s.policy.Delay(attempt)
		lg.Warn("handler failed, scheduling redelivery",
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if rqErr := s.requeue(hctx, record, attempt+1, delay); rqErr != nil {
			lg.Error("redelivery publish failed", slog.Any("error", rqErr))
			// Leave the original unmarked so the group redelivers it; the
			// delivery must survive on the broker or as a confirmed copy.
			return
		}
		observability.BusConsumedTotal.WithLabelValues(s.topic, "retried").Inc()
	}
	s.client.MarkCommitRecords(record)
}

// requeue republishes the record to its own topic with the attempt header
// incremented and the backoff deadline stamped in the not-before header. The
// produce is confirmed before the caller commits the original, so the
// redelivery never exists only in process memory.
func (s *Subscriber) requeue(ctx context.Context, record *kgo.Record, nextAttempt int, delay time.Duration) error {
	copyRec := &kgo.Record{
		Topic: record.Topic,
		Key:   record.Key,
		Value: record.Value,
		Headers: []kgo.RecordHeader{
			{Key: headerAttempt, Value: []byte(strconv.Itoa(nextAttempt))},
			{Key: headerCorrelation, Value: []byte(headerValue(record, headerCorrelation))},
			{Key: headerNotBefore, Value: []byte(time.Now().UTC().Add(delay).Format(time.RFC3339Nano))},
		},
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return s.pub.produceRaw(pctx, copyRec)
}

func (s *Subscriber) deadLetter(ctx context.Context, record *kgo.Record, attempts int, reason string, cause error, requeueable bool) {
	dl := domain.DeadLetter{
		Topic:          s.topic,
		Key:            string(record.Key),
		Payload:        record.Value,
		Reason:         reason,
		Attempts:       attempts,
		DeadLetteredAt: time.Now().UTC(),
		Requeueable:    requeueable,
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	b, err := json.Marshal(dl)
	if err != nil {
		slog.Error("dead letter marshal failed", slog.String("topic", s.topic), slog.Any("error", err))
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	rec := &kgo.Record{Topic: DLQTopic(s.topic), Key: record.Key, Value: b}
	if err := s.pub.produceRaw(pctx, rec); err != nil {
		slog.Error("dead letter publish failed",
			slog.String("topic", s.topic),
			slog.String("reason", reason),
			slog.Any("error", err))
	}
}

// Close waits for in-flight handlers and closes the consumer client.
func (s *Subscriber) Close() error {
	s.wg.Wait()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

// recordDelay returns how long the record must still wait per its not-before
// header, zero for first deliveries or once the deadline passed.
func recordDelay(record *kgo.Record, now time.Time) time.Duration {
	v := headerValue(record, headerNotBefore)
	if v == "" {
		return 0
	}
	notBefore, err := time.Parse(time.RFC3339Nano, v)
	if err != nil || !notBefore.After(now) {
		return 0
	}
	return notBefore.Sub(now)
}

func recordAttempt(record *kgo.Record) int {
	if v := headerValue(record, headerAttempt); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

func headerValue(record *kgo.Record, key string) string {
	for _, h := range record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
