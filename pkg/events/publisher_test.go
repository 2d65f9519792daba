package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

func TestNoOpPublisher(t *testing.T) {
	pub := &NoOpPublisher{}
	err := pub.Publish(context.Background(), &AgentEvent{
		Kind:         KindMessage,
		ConnectionID: "c-1",
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCallbackPublisher(t *testing.T) {
	var captured *AgentEvent

	pub := NewCallbackPublisher(func(_ context.Context, event *AgentEvent) error {
		captured = event
		return nil
	})

	event := &AgentEvent{
		Kind:           KindConnectionAccepted,
		ConnectionID:   "c-1",
		PeerAccountID:  "0.0.200",
		TopicID:        "0.0.900",
		SequenceNumber: 7,
		Timestamp:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	err := pub.Publish(context.Background(), event)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	if captured == nil {
		t.Fatal("expected callback to be called")
	}
	if captured.PeerAccountID != "0.0.200" {
		t.Errorf("expected peer 0.0.200, got %s", captured.PeerAccountID)
	}
	if captured.SequenceNumber != 7 {
		t.Errorf("expected sequence 7, got %d", captured.SequenceNumber)
	}
}

func TestMultiPublisher_JoinsErrors(t *testing.T) {
	calls := 0
	ok := NewCallbackPublisher(func(context.Context, *AgentEvent) error {
		calls++
		return nil
	})
	boom := errors.New("boom")
	failing := NewCallbackPublisher(func(context.Context, *AgentEvent) error {
		calls++
		return boom
	})

	err := MultiPublisher{failing, ok}.Publish(context.Background(), &AgentEvent{Kind: KindError})
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to wrap boom, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected every publisher to be called, got %d calls", calls)
	}
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for _, r := range rs {
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func TestKafkaPublisher_ProducesKeyedRecord(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewKafkaPublisherWithProducer(producer, "agent-events")

	err := pub.Publish(context.Background(), &AgentEvent{Kind: KindMessage, ConnectionID: "c-9", Data: `{"a":1}`})
	if err != nil {
		t.Fatalf("events:kafka_publisher_test - Publish failed: %v", err)
	}
	if len(producer.records) != 1 {
		t.Fatalf("events:kafka_publisher_test - expected 1 record, got %d", len(producer.records))
	}
	rec := producer.records[0]
	if rec.Topic != "agent-events" {
		t.Errorf("events:kafka_publisher_test - topic = %q, want agent-events", rec.Topic)
	}
	if string(rec.Key) != "c-9" {
		t.Errorf("events:kafka_publisher_test - key = %q, want c-9", rec.Key)
	}
	if len(rec.Headers) != 1 || string(rec.Headers[0].Value) != "message" {
		t.Errorf("events:kafka_publisher_test - unexpected headers %v", rec.Headers)
	}

	pub.Close()
	if !producer.closed {
		t.Error("events:kafka_publisher_test - expected producer to be closed")
	}
}

func TestKafkaPublisher_ProduceError(t *testing.T) {
	producer := &fakeProducer{err: errors.New("leader not available")}
	pub := NewKafkaPublisherWithProducer(producer, "")

	if err := pub.Publish(context.Background(), &AgentEvent{Kind: KindError}); err == nil {
		t.Fatal("events:kafka_publisher_test - expected error")
	}
	if producer.records[0].Topic != "hcs.agent.events" {
		t.Errorf("events:kafka_publisher_test - default topic = %q", producer.records[0].Topic)
	}
}

func TestNewKafkaPublisher_RequiresBrokers(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "t"); err == nil {
		t.Fatal("events:kafka_publisher_test - expected error without brokers")
	}
}
