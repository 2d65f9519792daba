package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/connections"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/events"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ingest"
)

const handlersLogPrefix = "orchestrator:handlers"

const summarizeTimeout = 20 * time.Second

// ErrProposalNotFound is returned when executing a proposal that is not pending.
var ErrProposalNotFound = errors.New("proposal not found")

// handleEntry runs on the loop for every entry delivered by an ingestor. Malformed
// envelopes are skipped; any other registry failure is returned so the entry is
// delivered again.
func (o *Orchestrator) handleEntry(ctx context.Context, e hcs.LogEntry) error {
	update, err := o.registry.OnLogEntry(ctx, e)
	if err != nil {
		o.emit(ctx, events.AgentEvent{Kind: events.KindError, TopicID: e.TopicID, SequenceNumber: e.SequenceNumber, Error: err.Error()})
		var malformed *hcs.MalformedEnvelopeError
		if errors.As(err, &malformed) {
			slog.Warn(fmt.Sprintf("%s - skipping %s#%d: %v", handlersLogPrefix, e.TopicID, e.SequenceNumber, err))
			return nil
		}
		slog.Error(fmt.Sprintf("%s - failed to apply %s#%d: %v", handlersLogPrefix, e.TopicID, e.SequenceNumber, err))
		return err
	}

	switch update.Kind {
	case connections.UpdateRequested:
		o.emit(ctx, events.AgentEvent{
			Kind:           events.KindConnectionRequested,
			ConnectionID:   update.Connection.ID,
			PeerAccountID:  update.Connection.PeerAccountID,
			TopicID:        e.TopicID,
			SequenceNumber: e.SequenceNumber,
		})
		if o.cfg.AutoApprove && update.Connection.State == connections.StatePending {
			if _, err := o.approve(ctx, update.Connection.ID); err != nil {
				slog.Warn(fmt.Sprintf("%s - auto-approve of %s failed: %v", handlersLogPrefix, update.Connection.ID, err))
			}
		}
		return nil
	case connections.UpdateEstablished:
		o.afterEstablished(ctx, update.Connection)
		return nil
	case connections.UpdateClosed:
		o.afterClosed(update.Connection)
		return nil
	}

	conn, ok := o.registry.ByTopic(e.TopicID)
	if !ok || conn.State != connections.StateEstablished {
		return nil
	}
	env, err := hcs.ParseEnvelope(e.Raw)
	if err != nil || env.Op != hcs.OpMessage {
		return nil
	}
	if sender, ok := env.Operator(); ok && sender.AccountID == o.cfg.Self.AccountID {
		return nil
	}
	o.handleMessage(ctx, conn, e, env)
	return nil
}

func (o *Orchestrator) approve(ctx context.Context, id string) (connections.Connection, error) {
	c, err := o.registry.Approve(ctx, id)
	if err != nil {
		o.emit(ctx, events.AgentEvent{Kind: events.KindError, ConnectionID: id, Error: err.Error()})
		return connections.Connection{}, err
	}
	o.afterEstablished(ctx, c)
	return c, nil
}

func (o *Orchestrator) afterEstablished(ctx context.Context, c connections.Connection) {
	err := o.ingestor.Subscribe(ctx, c.ConnectionTopicID, o.sink())
	if err != nil && !errors.Is(err, ingest.ErrAlreadySubscribed) && !errors.Is(err, ingest.ErrClosed) {
		slog.Error(fmt.Sprintf("%s - failed to subscribe to connection topic %s: %v", handlersLogPrefix, c.ConnectionTopicID, err))
		o.emit(ctx, events.AgentEvent{Kind: events.KindError, ConnectionID: c.ID, TopicID: c.ConnectionTopicID, Error: err.Error()})
	}
	o.emit(ctx, events.AgentEvent{
		Kind:          events.KindConnectionAccepted,
		ConnectionID:  c.ID,
		PeerAccountID: c.PeerAccountID,
		TopicID:       c.ConnectionTopicID,
	})
}

// afterClosed stops ingestion of the connection topic. Stop waits for the worker,
// whose sink may be blocked on this loop, so it runs on its own goroutine.
func (o *Orchestrator) afterClosed(c connections.Connection) {
	if c.ConnectionTopicID != "" {
		topicID := c.ConnectionTopicID
		go func() {
			if err := o.ingestor.Stop(context.Background(), topicID); err != nil && !errors.Is(err, ingest.ErrNotSubscribed) {
				slog.Warn(fmt.Sprintf("%s - failed to stop ingestion of %s: %v", handlersLogPrefix, topicID, err))
			}
		}()
	}
	o.emit(context.Background(), events.AgentEvent{
		Kind:          events.KindConnectionClosed,
		ConnectionID:  c.ID,
		PeerAccountID: c.PeerAccountID,
		TopicID:       c.ConnectionTopicID,
		Data:          c.CloseReason,
	})
}

func (o *Orchestrator) handleMessage(ctx context.Context, conn connections.Connection, e hcs.LogEntry, env *hcs.Envelope) {
	o.emit(ctx, events.AgentEvent{
		Kind:           events.KindMessage,
		ConnectionID:   conn.ID,
		PeerAccountID:  conn.PeerAccountID,
		TopicID:        e.TopicID,
		SequenceNumber: e.SequenceNumber,
		Data:           env.Data,
	})

	p, ok, err := parsePayload(env.Data)
	if !ok {
		return
	}
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - rejecting %s payload at %s#%d: %v", handlersLogPrefix, p.Type, e.TopicID, e.SequenceNumber, err))
		o.emit(ctx, events.AgentEvent{Kind: events.KindError, ConnectionID: conn.ID, ProposalID: p.ProposalID, Error: err.Error()})
		return
	}

	switch p.Type {
	case TypeRebalanceProposal:
		o.recordProposal(ctx, conn, p)
	case TypeRebalanceApproved:
		approver := p.ApprovedBy
		if approver == "" {
			approver = conn.PeerAccountID
		}
		if err := o.execute(ctx, p.ProposalID, approver); err != nil && !errors.Is(err, hcs.ErrDuplicateProposalExecution) {
			slog.Warn(fmt.Sprintf("%s - approval of %s not executed: %v", handlersLogPrefix, p.ProposalID, err))
		}
	case TypeRebalanceExecuted:
		slog.Info(fmt.Sprintf("%s - peer %s reported execution of %s", handlersLogPrefix, conn.PeerAccountID, p.ProposalID))
	}
}

func (o *Orchestrator) recordProposal(ctx context.Context, conn connections.Connection, p Payload) {
	if o.executed[p.ProposalID] {
		slog.Debug(fmt.Sprintf("%s - proposal %s already executed", handlersLogPrefix, p.ProposalID))
		return
	}
	if _, ok := o.pending[p.ProposalID]; ok {
		slog.Debug(fmt.Sprintf("%s - proposal %s already pending", handlersLogPrefix, p.ProposalID))
		return
	}

	prop := Proposal{
		ID:           p.ProposalID,
		ConnectionID: conn.ID,
		ReplyTopicID: conn.ConnectionTopicID,
		NewWeights:   p.NewWeights,
		Reason:       p.Reason,
		Status:       ProposalPending,
		ReceivedAt:   o.now().UTC(),
	}
	if err := ValidateWeights(p.NewWeights); err != nil {
		prop.Status = ProposalRejected
		prop.Error = err.Error()
		o.saveProposal(ctx, prop)
		slog.Warn(fmt.Sprintf("%s - rejected proposal %s: %v", handlersLogPrefix, p.ProposalID, err))
		o.emit(ctx, events.AgentEvent{Kind: events.KindError, ConnectionID: conn.ID, ProposalID: p.ProposalID, Error: err.Error()})
		return
	}

	o.saveProposal(ctx, prop)
	o.pending[prop.ID] = &prop
	slog.Info(fmt.Sprintf("%s - proposal %s pending from %s", handlersLogPrefix, prop.ID, conn.PeerAccountID))
	if o.cfg.ApprovalDelay > 0 {
		o.armTimer(prop.ID, o.cfg.ApprovalDelay)
	}
}

// armTimer executes the proposal after delay unless it runs first.
func (o *Orchestrator) armTimer(id string, delay time.Duration) {
	o.timers[id] = time.AfterFunc(delay, func() {
		o.enqueue(func(ctx context.Context) {
			delete(o.timers, id)
			if err := o.execute(ctx, id, "approval-delay"); err != nil && !errors.Is(err, hcs.ErrDuplicateProposalExecution) {
				slog.Warn(fmt.Sprintf("%s - delayed execution of %s failed: %v", handlersLogPrefix, id, err))
			}
		})
	})
}

// execute runs a pending proposal at most once. The executed set is claimed before
// any token side effect, so a failure after the claim marks the proposal failed
// instead of retrying it.
func (o *Orchestrator) execute(ctx context.Context, id, approvedBy string) error {
	if o.executed[id] {
		return fmt.Errorf("%s - %s: %w", handlersLogPrefix, id, hcs.ErrDuplicateProposalExecution)
	}
	p, ok := o.pending[id]
	if !ok {
		return fmt.Errorf("%s - %s: %w", handlersLogPrefix, id, ErrProposalNotFound)
	}

	now := o.now().UTC()
	claimed, err := o.proposals.MarkExecuted(ctx, id, now)
	if err != nil {
		return fmt.Errorf("%s - failed to claim %s: %w", handlersLogPrefix, id, err)
	}
	if t, ok := o.timers[id]; ok {
		t.Stop()
		delete(o.timers, id)
	}
	o.executed[id] = true
	delete(o.pending, id)
	if !claimed {
		return fmt.Errorf("%s - %s: %w", handlersLogPrefix, id, hcs.ErrDuplicateProposalExecution)
	}

	prop := *p
	prop.ApprovedAt = &now
	slog.Info(fmt.Sprintf("%s - executing proposal %s approved by %s", handlersLogPrefix, id, approvedBy))

	result, err := o.rebalance(ctx, prop)
	if err != nil {
		prop.Status = ProposalFailed
		prop.Error = err.Error()
		o.saveProposal(ctx, prop)
		slog.Error(fmt.Sprintf("%s - proposal %s failed: %v", handlersLogPrefix, id, err))
		o.emit(ctx, events.AgentEvent{Kind: events.KindError, ConnectionID: prop.ConnectionID, ProposalID: id, Error: err.Error()})
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%s - failed to encode result of %s: %w", handlersLogPrefix, id, err)
	}
	for _, topicID := range o.reportTopics(prop) {
		if _, err := o.publisher.Publish(ctx, topicID, hcs.NewMessage(o.cfg.Self, string(data), "")); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to report %s on %s: %v", handlersLogPrefix, id, topicID, err))
			prop.Error = err.Error()
		}
	}

	executedAt := result.ExecutedAt
	prop.Status = ProposalExecuted
	prop.ExecutedAt = &executedAt
	prop.Result = &result
	o.saveProposal(ctx, prop)
	o.emit(ctx, events.AgentEvent{
		Kind:         events.KindProposalExecuted,
		ConnectionID: prop.ConnectionID,
		TopicID:      prop.ReplyTopicID,
		ProposalID:   id,
		Data:         string(data),
	})
	return nil
}

func (o *Orchestrator) rebalance(ctx context.Context, p Proposal) (RebalanceExecuted, error) {
	pre, err := o.tokens.Balances(ctx)
	if err != nil {
		return RebalanceExecuted{}, fmt.Errorf("read balances: %w", err)
	}
	adj, err := ComputeAdjustments(pre, p.NewWeights)
	if err != nil {
		return RebalanceExecuted{}, err
	}
	for _, token := range sortedTokens(adj) {
		amount := adj[token]
		if amount > 0 {
			err = o.tokens.Mint(ctx, token, amount)
		} else {
			err = o.tokens.Burn(ctx, token, -amount)
		}
		if err != nil {
			return RebalanceExecuted{}, fmt.Errorf("adjust %s by %d: %w", token, amount, err)
		}
	}
	post, err := o.tokens.Balances(ctx)
	if err != nil {
		return RebalanceExecuted{}, fmt.Errorf("read balances: %w", err)
	}

	result := RebalanceExecuted{
		Type:          TypeRebalanceExecuted,
		SchemaVersion: SchemaVersion,
		ProposalID:    p.ID,
		PreBalances:   pre,
		PostBalances:  post,
		Adjustments:   adj,
		ExecutedAt:    o.now().UTC(),
	}
	if o.summarizer != nil {
		sctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
		summary, err := o.summarizer.Summarize(sctx, result)
		cancel()
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - summary for %s unavailable: %v", handlersLogPrefix, p.ID, err))
		} else {
			result.Summary = summary
		}
	}
	return result, nil
}

func (o *Orchestrator) reportTopics(p Proposal) []string {
	topics := []string{p.ReplyTopicID}
	if o.cfg.OutboundTopicID != "" && o.cfg.OutboundTopicID != p.ReplyTopicID {
		topics = append(topics, o.cfg.OutboundTopicID)
	}
	return topics
}

func (o *Orchestrator) saveProposal(ctx context.Context, p Proposal) {
	if err := o.proposals.SaveProposal(ctx, p); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to persist proposal %s: %v", handlersLogPrefix, p.ID, err))
	}
}
