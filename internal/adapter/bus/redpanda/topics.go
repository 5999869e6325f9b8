// Package redpanda realizes the product_video_matching topic exchange on a
// Redpanda/Kafka cluster.
//
// The AMQP-flavoured contract maps as follows: topics are prefixed with the
// exchange name, a subscriber's queue is its consumer group, and the dead
// letter queue is a real topic next to it. Redelivery is bounded by an
// attempt counter carried in a record header.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/fairyhunter13/product-video-matcher/internal/event"
)

const (
	headerAttempt     = "x-attempt"
	headerCorrelation = "x-correlation-id"
	headerNotBefore   = "x-not-before"
)

// PhysicalTopic returns the broker topic name for a dotted routing key.
func PhysicalTopic(topic string) string {
	return event.Exchange + "." + topic
}

// QueueName returns the consumer group of one service's binding to a
// routing key. Distinct services bound to the same key each get every
// delivery; instances of one service share its group.
func QueueName(consumer, topic string) string {
	return "queue." + consumer + "." + PhysicalTopic(topic)
}

// DLQTopic returns the dead letter topic for a routing key.
func DLQTopic(topic string) string {
	return PhysicalTopic(topic) + ".dlq"
}

// EnsureTopics provisions every routing key of the registry plus its DLQ.
// Existing topics are tolerated.
func EnsureTopics(ctx context.Context, client *kgo.Client) error {
	for _, t := range event.Topics() {
		if err := createTopicIfNotExists(ctx, client, PhysicalTopic(t), 8, 1); err != nil {
			return err
		}
		if err := createTopicIfNotExists(ctx, client, DLQTopic(t), 1, 1); err != nil {
			return err
		}
	}
	return nil
}

// createTopicIfNotExists creates a topic via the admin API, treating
// TOPIC_ALREADY_EXISTS (error code 36) as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topic request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, topicResp := range createResp.Topics {
		if topicResp.ErrorCode != 0 {
			if topicResp.ErrorCode == 36 {
				slog.Debug("topic already exists", slog.String("topic", topicResp.Topic))
				continue
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", topicResp.Topic, errorMsg, topicResp.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", topicResp.Topic),
			slog.Int("partitions", int(partitions)))
	}
	return nil
}
