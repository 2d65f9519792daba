package natslog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/commsutil"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
)

const clientLogPrefix = "natslog:client"

// Client reaches a Node over COMMS. It implements every ledger interface the agent
// consumes.
type Client struct {
	nc      *comms.Conn
	js      jetstream.JetStream
	timeout time.Duration
}

// NewClient creates a Client. timeout bounds each request when ctx has no deadline.
func NewClient(nc *comms.Conn, timeout time.Duration) (*Client, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open JetStream: %w", clientLogPrefix, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{nc: nc, js: js, timeout: timeout}, nil
}

func (c *Client) request(ctx context.Context, subject string, req, reply any) error {
	data, err := commsutil.EncodePayload(req)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return commsutil.DecodePayload(msg.Data, reply)
}

// SubmitTransaction sends tx to the node and returns its receipt.
func (c *Client) SubmitTransaction(ctx context.Context, tx *ledger.Transaction) (hcs.Receipt, error) {
	var reply submitReply
	if err := c.request(ctx, commsutil.SubjectSubmit, tx, &reply); err != nil {
		return hcs.Receipt{}, err
	}
	if reply.Error != "" {
		return hcs.Receipt{}, errors.New(reply.Error)
	}
	return reply.Receipt, nil
}

// CreateTopic asks the node for a new topic.
func (c *Client) CreateTopic(ctx context.Context, input ledger.CreateTopicInput) (string, error) {
	var reply createTopicReply
	if err := c.request(ctx, commsutil.SubjectCreateTopic, createTopicRequest{Memo: input.Memo, SubmitKey: input.SubmitKey}, &reply); err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	return reply.TopicID, nil
}

// QueryTopicAuthorization returns the topic submit key, "" for open topics.
func (c *Client) QueryTopicAuthorization(ctx context.Context, topicID string) (string, error) {
	var reply topicInfoReply
	if err := c.request(ctx, commsutil.SubjectTopicInfo, topicInfoRequest{TopicID: topicID}, &reply); err != nil {
		return "", err
	}
	if reply.NotFound {
		return "", fmt.Errorf("topic %s: %w", topicID, ErrUnknownTopic)
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	return reply.SubmitKey, nil
}

// FetchAfter reads stored messages strictly after the given position. Time-only
// positions scan from the start of the stream.
func (c *Client) FetchAfter(ctx context.Context, topicID string, after hcs.Position, limit int) ([]hcs.LogEntry, error) {
	stream, err := c.js.Stream(ctx, commsutil.StreamName(topicID))
	if err != nil {
		return nil, &hcs.TransportError{Op: "poll", TopicID: topicID, Err: err}
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, &hcs.TransportError{Op: "poll", TopicID: topicID, Err: err}
	}

	start := max(after.Sequence+1, info.State.FirstSeq)
	var out []hcs.LogEntry
	for seq := start; seq <= info.State.LastSeq; seq++ {
		msg, err := stream.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return out, &hcs.TransportError{Op: "poll", TopicID: topicID, Err: err}
		}
		if after.Sequence == 0 && !after.ConsensusTime.IsZero() && !msg.Time.After(after.ConsensusTime) {
			continue
		}
		out = append(out, hcs.LogEntry{TopicID: topicID, SequenceNumber: msg.Sequence, ConsensusTime: msg.Time.UTC(), Raw: msg.Data})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type subscription struct {
	cc jetstream.ConsumeContext
}

func (s *subscription) Unsubscribe() error {
	s.cc.Stop()
	return nil
}

// SubscribeLive streams messages after the given position through an ordered consumer.
func (c *Client) SubscribeLive(ctx context.Context, topicID string, after hcs.Position, onEntry func(hcs.LogEntry), onError func(error)) (ledger.Subscription, error) {
	cfg := jetstream.OrderedConsumerConfig{DeliverPolicy: jetstream.DeliverAllPolicy}
	switch {
	case after.Sequence > 0:
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = after.Sequence + 1
	case !after.ConsensusTime.IsZero():
		start := after.ConsensusTime.Add(time.Nanosecond)
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &start
	}

	cons, err := c.js.OrderedConsumer(ctx, commsutil.StreamName(topicID), cfg)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create consumer on %s: %w", clientLogPrefix, topicID, err)
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		md, err := msg.Metadata()
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - message on %s without metadata: %v", clientLogPrefix, topicID, err))
			return
		}
		onEntry(hcs.LogEntry{
			TopicID:        topicID,
			SequenceNumber: md.Sequence.Stream,
			ConsensusTime:  md.Timestamp.UTC(),
			Raw:            msg.Data(),
		})
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if onError != nil {
			onError(&hcs.TransportError{Op: "subscribe", TopicID: topicID, Err: err})
		}
	}))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to consume %s: %w", clientLogPrefix, topicID, err)
	}
	return &subscription{cc: cc}, nil
}

var (
	_ ledger.Writer         = (*Client)(nil)
	_ ledger.TopicAuthority = (*Client)(nil)
	_ ledger.TopicCreator   = (*Client)(nil)
	_ ledger.HistoryReader  = (*Client)(nil)
	_ ledger.LiveSubscriber = (*Client)(nil)
)
