// Package orchestrator drives the HCS-10 handshake and the rebalance proposal
// workflow. All state changes run on one event loop, which is the mutual exclusion
// domain for the connection registry and the executed-proposal set.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/connections"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/events"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ingest"
)

const logPrefix = "orchestrator:orchestrator"

var (
	ErrNotRunning          = errors.New("orchestrator is not running")
	ErrConnectionNotActive = errors.New("connection is not established")
)

// Ingestor is the subset of *ingest.Ingestor the orchestrator drives.
type Ingestor interface {
	Subscribe(ctx context.Context, topicID string, sink ingest.Sink) error
	Stop(ctx context.Context, topicID string) error
	Close(ctx context.Context) error
}

// Summarizer turns an execution result into a human-readable summary.
type Summarizer interface {
	Summarize(ctx context.Context, result RebalanceExecuted) (string, error)
}

// Config configures an Orchestrator.
type Config struct {
	// Self is our inbound topic and account.
	Self hcs.OperatorRef
	// OutboundTopicID receives status broadcasts; empty disables them.
	OutboundTopicID string
	// AutoApprove approves Pending connection requests as they arrive.
	AutoApprove bool
	// ApprovalDelay executes a proposal this long after it arrives without an explicit
	// approval. Zero waits for a RebalanceApproved message.
	ApprovalDelay time.Duration
	QueueSize     int
	Now           func() time.Time
}

// Deps are the collaborators of an Orchestrator. Summarizer and Events are optional.
type Deps struct {
	Registry   *connections.Registry
	Ingestor   Ingestor
	Publisher  connections.Publisher
	Tokens     TokenService
	Proposals  ProposalStore
	Summarizer Summarizer
	Events     events.EventPublisher
}

// Orchestrator owns the event loop.
type Orchestrator struct {
	cfg        Config
	registry   *connections.Registry
	ingestor   Ingestor
	publisher  connections.Publisher
	tokens     TokenService
	proposals  ProposalStore
	summarizer Summarizer
	events     events.EventPublisher
	now        func() time.Time

	queue   chan func(context.Context)
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex

	// owned by the loop
	pending  map[string]*Proposal
	executed map[string]bool
	timers   map[string]*time.Timer
}

// New creates an Orchestrator. Call Start to run it.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	proposals := deps.Proposals
	if proposals == nil {
		proposals = NewMemoryProposalStore()
	}
	pub := deps.Events
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	return &Orchestrator{
		cfg:        cfg,
		registry:   deps.Registry,
		ingestor:   deps.Ingestor,
		publisher:  deps.Publisher,
		tokens:     deps.Tokens,
		proposals:  proposals,
		summarizer: deps.Summarizer,
		events:     pub,
		now:        now,
		queue:      make(chan func(context.Context), cfg.QueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		pending:    make(map[string]*Proposal),
		executed:   make(map[string]bool),
		timers:     make(map[string]*time.Timer),
	}
}

// Start restores persisted state, starts the loop and subscribes to the inbound topic
// and every established connection topic.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("%s - already started", logPrefix)
	}

	if _, err := o.registry.Restore(ctx); err != nil {
		return err
	}
	if err := o.restoreProposals(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.started = true
	go o.run(loopCtx)

	if err := o.ingestor.Subscribe(ctx, o.cfg.Self.TopicID, o.sink()); err != nil {
		return fmt.Errorf("%s - failed to subscribe to inbound topic %s: %w", logPrefix, o.cfg.Self.TopicID, err)
	}
	for _, c := range o.registry.ListActive() {
		if err := o.ingestor.Subscribe(ctx, c.ConnectionTopicID, o.sink()); err != nil && !errors.Is(err, ingest.ErrAlreadySubscribed) {
			slog.Warn(fmt.Sprintf("%s - failed to resubscribe connection %s on %s: %v", logPrefix, c.ID, c.ConnectionTopicID, err))
		}
	}
	slog.Info(fmt.Sprintf("%s - started as %s (autoApprove=%t, approvalDelay=%s)", logPrefix, o.cfg.Self, o.cfg.AutoApprove, o.cfg.ApprovalDelay))
	return nil
}

func (o *Orchestrator) restoreProposals(ctx context.Context) error {
	ids, err := o.proposals.ExecutedIDs(ctx)
	if err != nil {
		return fmt.Errorf("%s - failed to load executed set: %w", logPrefix, err)
	}
	for _, id := range ids {
		o.executed[id] = true
	}
	stored, err := o.proposals.ListProposals(ctx)
	if err != nil {
		return fmt.Errorf("%s - failed to load proposals: %w", logPrefix, err)
	}
	for i := range stored {
		p := stored[i]
		if p.Status != ProposalPending || o.executed[p.ID] {
			continue
		}
		o.pending[p.ID] = &p
		if o.cfg.ApprovalDelay > 0 {
			o.armTimer(p.ID, max(0, time.Until(p.ReceivedAt.Add(o.cfg.ApprovalDelay))))
		}
	}
	return nil
}

// Shutdown stops ingestion, persisting high-water marks, then stops the loop.
// Entries the ingestors deliver while stopping are still processed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	o.mu.Unlock()

	ingestErr := o.ingestor.Close(ctx)

	_ = o.do(ctx, func(context.Context) error {
		for id, t := range o.timers {
			t.Stop()
			delete(o.timers, id)
		}
		return nil
	})
	close(o.stop)
	select {
	case <-o.done:
	case <-ctx.Done():
		o.cancel()
		return fmt.Errorf("%s - timed out waiting for event loop: %w", logPrefix, ctx.Err())
	}
	o.cancel()
	slog.Info(fmt.Sprintf("%s - stopped", logPrefix))
	return ingestErr
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case fn := <-o.queue:
			fn(ctx)
		case <-o.stop:
			for {
				select {
				case fn := <-o.queue:
					fn(ctx)
				default:
					return
				}
			}
		}
	}
}

// enqueue posts fn to the loop. It reports false once the loop has stopped.
func (o *Orchestrator) enqueue(fn func(context.Context)) bool {
	select {
	case <-o.stop:
		return false
	default:
	}
	select {
	case o.queue <- fn:
		return true
	case <-o.stop:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func(context.Context) error) error {
	result := make(chan error, 1)
	ok := o.enqueue(func(loopCtx context.Context) {
		result <- fn(loopCtx)
	})
	if !ok {
		return ErrNotRunning
	}
	select {
	case err := <-result:
		return err
	case <-o.done:
		// fn may have been queued after the loop drained.
		select {
		case err := <-result:
			return err
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sink waits for the loop to apply each entry so the ingestor only advances its
// mark past entries the registry has accepted. Shutdown closes the ingestor before
// the loop stops, so pending deliveries still find the loop running.
func (o *Orchestrator) sink() ingest.Sink {
	return func(e hcs.LogEntry) error {
		return o.do(context.Background(), func(ctx context.Context) error {
			return o.handleEntry(ctx, e)
		})
	}
}

// ListActiveConnections returns established connections.
func (o *Orchestrator) ListActiveConnections() []connections.Connection {
	return o.registry.ListActive()
}

// ListPendingConnections returns connections waiting on the handshake.
func (o *Orchestrator) ListPendingConnections() []connections.Connection {
	return o.registry.ListPending()
}

// ListNeedingConfirmation returns requests waiting for manual approval.
func (o *Orchestrator) ListNeedingConfirmation() []connections.Connection {
	return o.registry.ListNeedingConfirmation()
}

// ApproveConnection approves a peer request on the loop.
func (o *Orchestrator) ApproveConnection(ctx context.Context, id string) (connections.Connection, error) {
	var out connections.Connection
	err := o.do(ctx, func(loopCtx context.Context) error {
		c, err := o.approve(loopCtx, id)
		out = c
		return err
	})
	return out, err
}

// CloseConnection closes a connection on the loop.
func (o *Orchestrator) CloseConnection(ctx context.Context, id, reason string) (connections.Connection, error) {
	var out connections.Connection
	err := o.do(ctx, func(loopCtx context.Context) error {
		c, err := o.registry.Close(loopCtx, id, reason)
		if err != nil {
			return err
		}
		out = c
		o.afterClosed(c)
		return nil
	})
	return out, err
}

// InitiateConnection sends a connection request to a peer.
func (o *Orchestrator) InitiateConnection(ctx context.Context, peerInboundTopicID, peerAccountID, memo string) (connections.Connection, error) {
	var out connections.Connection
	err := o.do(ctx, func(loopCtx context.Context) error {
		c, err := o.registry.Initiate(loopCtx, peerInboundTopicID, peerAccountID, memo)
		out = c
		return err
	})
	return out, err
}

// SendApplicationMessage publishes data on an established connection.
func (o *Orchestrator) SendApplicationMessage(ctx context.Context, connectionID, data string) (hcs.Receipt, error) {
	var out hcs.Receipt
	err := o.do(ctx, func(loopCtx context.Context) error {
		c, ok := o.registry.Get(connectionID)
		if !ok {
			return fmt.Errorf("%s - %s: %w", logPrefix, connectionID, connections.ErrNotFound)
		}
		if c.State != connections.StateEstablished {
			return fmt.Errorf("%s - %s is %s: %w", logPrefix, connectionID, c.State, ErrConnectionNotActive)
		}
		r, err := o.publisher.Publish(loopCtx, c.ConnectionTopicID, hcs.NewMessage(o.cfg.Self, data, ""))
		out = r
		return err
	})
	return out, err
}

// ListProposals returns every known proposal.
func (o *Orchestrator) ListProposals(ctx context.Context) ([]Proposal, error) {
	return o.proposals.ListProposals(ctx)
}

// ApproveProposal executes a pending proposal as if an approval had arrived.
func (o *Orchestrator) ApproveProposal(ctx context.Context, proposalID string) error {
	return o.do(ctx, func(loopCtx context.Context) error {
		return o.execute(loopCtx, proposalID, "operator")
	})
}

func (o *Orchestrator) emit(ctx context.Context, e events.AgentEvent) {
	e.Timestamp = o.now().UTC()
	if err := o.events.Publish(ctx, &e); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish %s event: %v", logPrefix, e.Kind, err))
	}
}
