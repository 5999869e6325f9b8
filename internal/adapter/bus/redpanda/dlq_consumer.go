package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/product-video-matcher/internal/domain"
)

// DLQConsumer tails the dead letter topics, logs every entry and optionally
// requeues reprocessable ones after a cooldown. It never requeues schema
// violations, which would only fail validation again.
type DLQConsumer struct {
	client   *kgo.Client
	pub      *Publisher
	requeue  bool
	cooldown time.Duration
}

// NewDLQConsumer constructs a consumer over the DLQ topics of the given
// routing keys.
func NewDLQConsumer(brokers []string, topics []string, pub *Publisher, requeue bool, cooldown time.Duration) (*DLQConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	dlqTopics := make([]string, 0, len(topics))
	for _, t := range topics {
		dlqTopics = append(dlqTopics, DLQTopic(t))
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup("queue.dlq-inspector"),
		kgo.ConsumeTopics(dlqTopics...),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("dlq consumer client: %w", err)
	}
	return &DLQConsumer{client: client, pub: pub, requeue: requeue, cooldown: cooldown}, nil
}

// Run polls the DLQ topics until the context is cancelled.
func (c *DLQConsumer) Run(ctx context.Context) error {
	slog.Info("dlq consumer started", slog.Bool("requeue", c.requeue), slog.Duration("cooldown", c.cooldown))
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				slog.Error("dlq fetch error", slog.String("topic", fe.Topic), slog.Any("error", fe.Err))
			}
			time.Sleep(time.Second)
			continue
		}
		fetches.EachRecord(func(record *kgo.Record) {
			c.handle(ctx, record)
			c.client.MarkCommitRecords(record)
		})
	}
}

func (c *DLQConsumer) handle(ctx context.Context, record *kgo.Record) {
	var dl domain.DeadLetter
	if err := json.Unmarshal(record.Value, &dl); err != nil {
		slog.Error("dlq entry unreadable",
			slog.String("dlq_topic", record.Topic),
			slog.Any("error", err))
		return
	}
	slog.Warn("dead letter received",
		slog.String("topic", dl.Topic),
		slog.String("reason", dl.Reason),
		slog.String("error", dl.Error),
		slog.Int("attempts", dl.Attempts),
		slog.Bool("requeueable", dl.Requeueable))

	if !c.requeue || !dl.Requeueable {
		return
	}
	if wait := time.Until(dl.DeadLetteredAt.Add(c.cooldown)); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
	rec := &kgo.Record{
		Topic: PhysicalTopic(dl.Topic),
		Key:   []byte(dl.Key),
		Value: dl.Payload,
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.pub.produceRaw(pctx, rec); err != nil {
		slog.Error("dlq requeue failed", slog.String("topic", dl.Topic), slog.Any("error", err))
		return
	}
	slog.Info("dead letter requeued", slog.String("topic", dl.Topic), slog.String("key", dl.Key))
}

// Close closes the underlying client.
func (c *DLQConsumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
