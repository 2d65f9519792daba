// Package ledger defines the collaborators the protocol engine consumes from the
// consensus log (writes, topic metadata, history reads, live subscriptions) and the
// transaction and credential model used to authorize writes.
package ledger

import (
	"context"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
)

// Writer submits transactions and waits for their receipt. A receipt with a
// non-success status is returned with a nil error; err is reserved for transport failures.
type Writer interface {
	SubmitTransaction(ctx context.Context, tx *Transaction) (hcs.Receipt, error)
}

// TopicAuthority reports the submit key configured on a topic, as a normalized hex
// public key, or "" when the topic accepts unsigned writes.
type TopicAuthority interface {
	QueryTopicAuthorization(ctx context.Context, topicID string) (string, error)
}

// CreateTopicInput holds parameters for CreateTopic.
type CreateTopicInput struct {
	Memo string
	// SubmitKey is a hex public key; empty creates an open topic.
	SubmitKey string
}

// TopicCreator allocates new topics.
type TopicCreator interface {
	CreateTopic(ctx context.Context, input CreateTopicInput) (string, error)
}

// HistoryReader returns entries strictly after the given position, ascending.
type HistoryReader interface {
	FetchAfter(ctx context.Context, topicID string, after hcs.Position, limit int) ([]hcs.LogEntry, error)
}

// LiveSubscriber delivers entries as the log produces them, starting after the given
// position. onError is called when the subscription breaks; no further entries follow.
type LiveSubscriber interface {
	SubscribeLive(ctx context.Context, topicID string, after hcs.Position, onEntry func(hcs.LogEntry), onError func(error)) (Subscription, error)
}

// Subscription is a live subscription handle.
type Subscription interface {
	Unsubscribe() error
}
