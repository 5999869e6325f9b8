package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/observability"
	"github.com/fairyhunter13/product-video-matcher/internal/domain"
	"github.com/fairyhunter13/product-video-matcher/internal/event"
)

// Publisher publishes validated events to the exchange. Every publish waits
// for broker acknowledgement before returning.
type Publisher struct {
	client *kgo.Client
}

// NewPublisher constructs a Publisher connected to the given brokers.
func NewPublisher(brokers []string, clientID string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	return &Publisher{client: client}, nil
}

// EnsureTopics provisions the full topic set on the connected cluster.
func (p *Publisher) EnsureTopics(ctx context.Context) error {
	return EnsureTopics(ctx, p.client)
}

// Publish stamps event_id and _metadata, validates fields against the topic
// schema and produces the event with the job id as partition key.
func (p *Publisher) Publish(ctx context.Context, topic string, fields map[string]any) error {
	s, ok := event.Resolve(topic)
	if !ok {
		return fmt.Errorf("op=bus.Publish: %w: unknown topic %q", domain.ErrSchemaViolation, topic)
	}
	if id, _ := fields["event_id"].(string); id == "" {
		fields["event_id"] = event.NewID()
	}
	if err := event.Validate(s.Topic, fields); err != nil {
		return fmt.Errorf("op=bus.Publish: %w", err)
	}

	correlationID := observability.RequestIDFromContext(ctx)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["_metadata"] = event.Metadata{
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Topic:         s.Topic,
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=bus.Publish: marshal: %w", err)
	}
	jobID, _ := fields["job_id"].(string)
	record := &kgo.Record{
		Topic: PhysicalTopic(s.Topic),
		Key:   []byte(jobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: headerCorrelation, Value: []byte(correlationID)},
		},
	}
	if err := p.produceSync(ctx, record); err != nil {
		return fmt.Errorf("op=bus.Publish: topic %s: %w", s.Topic, err)
	}
	observability.BusPublishedTotal.WithLabelValues(s.Topic).Inc()
	slog.Debug("event published",
		slog.String("topic", s.Topic),
		slog.String("job_id", jobID),
		slog.Any("event_id", fields["event_id"]))
	return nil
}

// produceRaw publishes a pre-serialized record verbatim. Used for the retry
// and dead letter paths, which must not re-validate or re-stamp payloads.
func (p *Publisher) produceRaw(ctx context.Context, record *kgo.Record) error {
	return p.produceSync(ctx, record)
}

func (p *Publisher) produceSync(ctx context.Context, record *kgo.Record) error {
	done := make(chan error, 1)
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		done <- err
	})
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("produce: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy pings the brokers for readiness checks.
func (p *Publisher) Healthy(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("op=bus.Healthy: %w", err)
	}
	return nil
}

// Close shuts the underlying client down, flushing pending produces.
func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
