package natslog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/commsutil"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
)

const nodeLogPrefix = "natslog:node"

const handlerTimeout = 5 * time.Second

// ErrUnknownTopic is reported for topics with no metadata.
var ErrUnknownTopic = errors.New("unknown topic")

// NodeOptions configures a Node.
type NodeOptions struct {
	// Storage backs topic streams; defaults to file storage.
	Storage jetstream.StorageType
	// FirstTopicNumber is the account number after which topic ids are allocated.
	FirstTopicNumber uint64
}

// Node serves the log: topic creation, metadata and authorized writes.
type Node struct {
	nc      *comms.Conn
	js      jetstream.JetStream
	kv      jetstream.KeyValue
	storage jetstream.StorageType

	mu   sync.Mutex
	next uint64
	subs []*comms.Subscription
}

// StartNode opens the metadata bucket and starts serving requests on nc.
func StartNode(ctx context.Context, nc *comms.Conn, opts NodeOptions) (*Node, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open JetStream: %w", nodeLogPrefix, err)
	}
	kv, err := js.KeyValue(ctx, commsutil.TopicBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      commsutil.TopicBucket,
			Description: "HCS topic metadata",
			Storage:     opts.Storage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open bucket %s: %w", nodeLogPrefix, commsutil.TopicBucket, err)
	}

	n := &Node{nc: nc, js: js, kv: kv, storage: opts.Storage, next: opts.FirstTopicNumber}
	if n.next == 0 {
		n.next = 1000
	}
	if err := n.loadNext(ctx); err != nil {
		return nil, err
	}

	for subject, handler := range map[string]comms.MsgHandler{
		commsutil.SubjectSubmit:      n.handleSubmit,
		commsutil.SubjectCreateTopic: n.handleCreateTopic,
		commsutil.SubjectTopicInfo:   n.handleTopicInfo,
	} {
		sub, err := nc.Subscribe(subject, handler)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", nodeLogPrefix, subject, err)
		}
		n.subs = append(n.subs, sub)
	}
	slog.Info(fmt.Sprintf("%s - serving log on %s (next topic 0.0.%d)", nodeLogPrefix, nc.ConnectedUrl(), n.next+1))
	return n, nil
}

func (n *Node) loadNext(ctx context.Context) error {
	keys, err := n.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s - failed to list topics: %w", nodeLogPrefix, err)
	}
	for _, k := range keys {
		parts := strings.Split(k, "_")
		num, err := strconv.ParseUint(parts[len(parts)-1], 10, 64)
		if err == nil && num > n.next {
			n.next = num
		}
	}
	return nil
}

// Close stops serving requests.
func (n *Node) Close() {
	for _, s := range n.subs {
		_ = s.Unsubscribe()
	}
	n.subs = nil
}

// CreateTopic allocates a topic id and its stream.
func (n *Node) CreateTopic(ctx context.Context, input ledger.CreateTopicInput) (string, error) {
	n.mu.Lock()
	n.next++
	id := fmt.Sprintf("0.0.%d", n.next)
	n.mu.Unlock()
	if err := n.EnsureTopic(ctx, id, input.SubmitKey, input.Memo); err != nil {
		return "", err
	}
	return id, nil
}

// EnsureTopic creates a topic with a fixed id when it does not exist.
func (n *Node) EnsureTopic(ctx context.Context, topicID, submitKey, memo string) error {
	if _, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        commsutil.StreamName(topicID),
		Description: "HCS topic " + topicID,
		Subjects:    []string{commsutil.TopicSubject(topicID)},
		Storage:     n.storage,
		Retention:   jetstream.LimitsPolicy,
	}); err != nil {
		return fmt.Errorf("%s - failed to create stream for %s: %w", nodeLogPrefix, topicID, err)
	}

	if _, err := n.meta(ctx, topicID); err == nil {
		return nil
	}
	meta := topicMeta{
		TopicID:   topicID,
		Memo:      memo,
		SubmitKey: ledger.NormalizePublicKey(submitKey),
		CreatedAt: time.Now().UTC(),
	}
	data, err := commsutil.EncodePayload(meta)
	if err != nil {
		return err
	}
	if _, err := n.kv.Put(ctx, commsutil.TopicKey(topicID), data); err != nil {
		return fmt.Errorf("%s - failed to store metadata for %s: %w", nodeLogPrefix, topicID, err)
	}
	slog.Info(fmt.Sprintf("%s - created topic %s (keyed=%t)", nodeLogPrefix, topicID, meta.SubmitKey != ""))
	return nil
}

func (n *Node) meta(ctx context.Context, topicID string) (topicMeta, error) {
	entry, err := n.kv.Get(ctx, commsutil.TopicKey(topicID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return topicMeta{}, fmt.Errorf("topic %s: %w", topicID, ErrUnknownTopic)
	}
	if err != nil {
		return topicMeta{}, err
	}
	var meta topicMeta
	if err := commsutil.DecodePayload(entry.Value(), &meta); err != nil {
		return topicMeta{}, err
	}
	return meta, nil
}

// Submit validates tx against the topic submit key and appends it.
func (n *Node) Submit(ctx context.Context, tx *ledger.Transaction) (hcs.Receipt, error) {
	if !tx.IsFrozen() && len(tx.Signatures) == 0 {
		if err := tx.Freeze(); err != nil {
			return hcs.Receipt{}, err
		}
	}
	receipt := hcs.Receipt{TransactionID: tx.ID}

	meta, err := n.meta(ctx, tx.TopicID)
	if errors.Is(err, ErrUnknownTopic) {
		receipt.Status = hcs.StatusInvalidTopicID
		return receipt, nil
	}
	if err != nil {
		return hcs.Receipt{}, err
	}
	if status := ledger.CheckAuthorization(tx, meta.SubmitKey); status != hcs.StatusSuccess {
		slog.Warn(fmt.Sprintf("%s - rejected %s on %s: %s", nodeLogPrefix, tx.ID, tx.TopicID, status))
		receipt.Status = status
		return receipt, nil
	}

	ack, err := n.js.Publish(ctx, commsutil.TopicSubject(tx.TopicID), tx.Message)
	if err != nil {
		return hcs.Receipt{}, fmt.Errorf("%s - failed to append to %s: %w", nodeLogPrefix, tx.TopicID, err)
	}
	stream, err := n.js.Stream(ctx, commsutil.StreamName(tx.TopicID))
	if err != nil {
		return hcs.Receipt{}, err
	}
	stored, err := stream.GetMsg(ctx, ack.Sequence)
	if err != nil {
		return hcs.Receipt{}, fmt.Errorf("%s - failed to read back %s#%d: %w", nodeLogPrefix, tx.TopicID, ack.Sequence, err)
	}

	receipt.Status = hcs.StatusSuccess
	receipt.TopicSequenceNumber = ack.Sequence
	receipt.ConsensusTime = stored.Time.UTC()
	slog.Debug(fmt.Sprintf("%s - appended %s#%d", nodeLogPrefix, tx.TopicID, ack.Sequence))
	return receipt, nil
}

func (n *Node) handleSubmit(msg *comms.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var reply submitReply
	var tx ledger.Transaction
	if err := commsutil.DecodePayload(msg.Data, &tx); err != nil {
		reply.Error = fmt.Sprintf("invalid transaction: %v", err)
	} else if receipt, err := n.Submit(ctx, &tx); err != nil {
		reply.Error = err.Error()
	} else {
		reply.Receipt = receipt
	}
	respond(msg, reply)
}

func (n *Node) handleCreateTopic(msg *comms.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var reply createTopicReply
	var req createTopicRequest
	if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
		reply.Error = fmt.Sprintf("invalid request: %v", err)
	} else if id, err := n.CreateTopic(ctx, ledger.CreateTopicInput{Memo: req.Memo, SubmitKey: req.SubmitKey}); err != nil {
		reply.Error = err.Error()
	} else {
		reply.TopicID = id
	}
	respond(msg, reply)
}

func (n *Node) handleTopicInfo(msg *comms.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var reply topicInfoReply
	var req topicInfoRequest
	if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
		reply.Error = fmt.Sprintf("invalid request: %v", err)
	} else if meta, err := n.meta(ctx, req.TopicID); err != nil {
		reply.Error = err.Error()
		reply.NotFound = errors.Is(err, ErrUnknownTopic)
	} else {
		reply.TopicID = meta.TopicID
		reply.SubmitKey = meta.SubmitKey
	}
	respond(msg, reply)
}

func respond(msg *comms.Msg, v any) {
	data, err := commsutil.EncodePayload(v)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode reply: %v", nodeLogPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to respond on %s: %v", nodeLogPrefix, msg.Subject, err))
	}
}
