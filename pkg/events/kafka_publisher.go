package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/commsutil"
)

const kafkaPublisherLogPrefix = "events:kafka_publisher"

// KafkaProducer is the subset of *kgo.Client used by KafkaPublisher.
type KafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher publishes agent events to a Kafka topic, keyed by connection id so a
// connection's events stay in one partition.
type KafkaPublisher struct {
	producer KafkaProducer
	topic    string
}

// NewKafkaPublisher creates a franz-go client for the given brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%s - at least one broker address is required", kafkaPublisherLogPrefix)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create Kafka client: %w", kafkaPublisherLogPrefix, err)
	}
	return NewKafkaPublisherWithProducer(client, topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer KafkaProducer, topic string) *KafkaPublisher {
	if topic == "" {
		topic = commsutil.SubjectAgentEvents
	}
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish produces one record per event.
func (p *KafkaPublisher) Publish(ctx context.Context, event *AgentEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", kafkaPublisherLogPrefix, err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.ConnectionID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	}
	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to produce %s event to %s: %v", kafkaPublisherLogPrefix, event.Kind, p.topic, err))
		return fmt.Errorf("%s - failed to produce event: %w", kafkaPublisherLogPrefix, err)
	}
	return nil
}

// Close flushes and closes the client.
func (p *KafkaPublisher) Close() {
	p.producer.Close()
}
