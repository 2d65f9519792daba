package connections

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
)

const logPrefix = "connections:registry"

// Options configures a Registry.
type Options struct {
	// Self is our inbound topic and account, sent as operator_id.
	Self hcs.OperatorRef
	// RequireConfirmation puts new requests in NeedsConfirmation instead of Pending.
	RequireConfirmation bool
	Store               Store
	Now                 func() time.Time
}

type requestKey struct {
	topicID string
	seq     uint64
}

// Registry owns all Connections. It is safe for concurrent use; callers that need a
// single ordering of mutations feed it from one goroutine.
type Registry struct {
	pub     Publisher
	topics  ledger.TopicCreator
	self    hcs.OperatorRef
	confirm bool
	store   Store
	now     func() time.Time

	mu        sync.RWMutex
	conns     map[string]*Connection
	byRequest map[requestKey]string
	byTopic   map[string]string
	approving map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry(pub Publisher, topics ledger.TopicCreator, opts Options) *Registry {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		pub:       pub,
		topics:    topics,
		self:      opts.Self,
		confirm:   opts.RequireConfirmation,
		store:     store,
		now:       now,
		conns:     make(map[string]*Connection),
		byRequest: make(map[requestKey]string),
		byTopic:   make(map[string]string),
		approving: make(map[string]bool),
	}
}

// Restore loads persisted connections. It replaces nothing already in memory.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	stored, err := r.store.ListConnections(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s - failed to load connections: %w", logPrefix, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range stored {
		c := stored[i]
		if _, ok := r.conns[c.ID]; ok {
			continue
		}
		r.indexLocked(&c)
		n++
	}
	slog.Info(fmt.Sprintf("%s - restored %d connections", logPrefix, n))
	return n, nil
}

// OnLogEntry applies one log entry. Unknown operations are ignored. A malformed entry
// returns a MalformedEnvelopeError and changes nothing.
func (r *Registry) OnLogEntry(ctx context.Context, entry hcs.LogEntry) (Update, error) {
	env, err := hcs.ParseEnvelope(entry.Raw)
	if err != nil {
		return Update{}, err
	}
	switch env.Op {
	case hcs.OpConnectionRequest:
		return r.onRequest(ctx, entry, env)
	case hcs.OpConnectionCreated:
		return r.onCreated(ctx, entry, env)
	case hcs.OpCloseConnection:
		return r.onClose(ctx, entry, env)
	default:
		return Update{}, nil
	}
}

func (r *Registry) onRequest(ctx context.Context, entry hcs.LogEntry, env *hcs.Envelope) (Update, error) {
	peer, ok := env.Operator()
	if !ok {
		return Update{}, &hcs.MalformedEnvelopeError{Reason: "connection_request without valid operator_id"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := requestKey{topicID: entry.TopicID, seq: entry.SequenceNumber}
	if id, ok := r.byRequest[key]; ok {
		slog.Debug(fmt.Sprintf("%s - request %s#%d already recorded as %s", logPrefix, entry.TopicID, entry.SequenceNumber, id))
		return Update{}, nil
	}

	state := StatePending
	if r.confirm {
		state = StateNeedsConfirmation
	}
	seq := entry.SequenceNumber
	now := r.now().UTC()
	c := &Connection{
		ID:                 uuid.NewString(),
		PeerAccountID:      peer.AccountID,
		PeerInboundTopicID: peer.TopicID,
		State:              state,
		CreatedAt:          now,
		UpdatedAt:          now,
		RequestTopicID:     entry.TopicID,
		RequestSequence:    &seq,
		Memo:               env.M,
	}
	if err := r.store.SaveConnection(ctx, *c); err != nil {
		return Update{}, fmt.Errorf("%s - failed to persist connection: %w", logPrefix, err)
	}
	r.indexLocked(c)
	slog.Info(fmt.Sprintf("%s - connection request from %s (seq=%d) recorded as %s [%s]", logPrefix, peer.AccountID, seq, c.ID, state))
	return Update{Kind: UpdateRequested, Connection: *c}, nil
}

func (r *Registry) onCreated(ctx context.Context, entry hcs.LogEntry, env *hcs.Envelope) (Update, error) {
	if env.ConnectionTopicID == "" {
		return Update{}, &hcs.MalformedEnvelopeError{Reason: "connection_created without connection_topic_id"}
	}
	peer, hasPeer := env.Operator()

	r.mu.Lock()
	defer r.mu.Unlock()
	var match *Connection
	for _, c := range r.conns {
		if !c.InitiatedByUs || c.State != StatePending {
			continue
		}
		if hasPeer && c.PeerAccountID != peer.AccountID {
			continue
		}
		if env.ConnectionID != nil && (c.RequestSequence == nil || *c.RequestSequence != *env.ConnectionID) {
			continue
		}
		if match != nil {
			slog.Warn(fmt.Sprintf("%s - ambiguous connection_created at %s#%d, ignoring", logPrefix, entry.TopicID, entry.SequenceNumber))
			return Update{}, nil
		}
		match = c
	}
	if match == nil {
		return Update{}, nil
	}

	next := *match
	next.State = StateEstablished
	next.ConnectionTopicID = env.ConnectionTopicID
	next.UpdatedAt = r.now().UTC()
	if err := r.store.SaveConnection(ctx, next); err != nil {
		return Update{}, fmt.Errorf("%s - failed to persist connection: %w", logPrefix, err)
	}
	*match = next
	r.byTopic[next.ConnectionTopicID] = next.ID
	slog.Info(fmt.Sprintf("%s - connection %s established on %s", logPrefix, next.ID, next.ConnectionTopicID))
	return Update{Kind: UpdateEstablished, Connection: next}, nil
}

func (r *Registry) onClose(ctx context.Context, entry hcs.LogEntry, env *hcs.Envelope) (Update, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byTopic[entry.TopicID]
	if !ok {
		return Update{}, nil
	}
	c := r.conns[id]
	if c.State == StateClosed {
		return Update{}, nil
	}
	reason := env.Reason
	if reason == "" {
		reason = "closed by peer"
	}
	next, err := r.closeLocked(ctx, c, reason)
	if err != nil {
		return Update{}, err
	}
	return Update{Kind: UpdateClosed, Connection: next}, nil
}

// Approve answers a peer's request: it allocates the connection topic, announces it
// on the peer's reply topic and marks the connection Established. A failed approval
// leaves the connection unchanged.
func (r *Registry) Approve(ctx context.Context, id string) (Connection, error) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return Connection{}, fmt.Errorf("%s - %s: %w", logPrefix, id, ErrNotFound)
	}
	if c.State == StateEstablished && !c.InitiatedByUs {
		snapshot := *c
		r.mu.Unlock()
		return snapshot, nil
	}
	if c.InitiatedByUs || (c.State != StatePending && c.State != StateNeedsConfirmation) {
		state := c.State
		r.mu.Unlock()
		return Connection{}, fmt.Errorf("%s - cannot approve %s in state %s: %w", logPrefix, id, state, ErrInvalidTransition)
	}
	if r.approving[id] {
		r.mu.Unlock()
		return Connection{}, fmt.Errorf("%s - %s: %w", logPrefix, id, ErrApprovalInProgress)
	}
	r.approving[id] = true
	pending := *c
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.approving, id)
		r.mu.Unlock()
	}()

	topicID, err := r.topics.CreateTopic(ctx, ledger.CreateTopicInput{
		Memo: fmt.Sprintf("%s:0:%s:%s", hcs.ProtocolTag, r.self.AccountID, pending.PeerAccountID),
	})
	if err != nil {
		return Connection{}, fmt.Errorf("%s - failed to create connection topic for %s: %w", logPrefix, id, err)
	}

	created := hcs.NewConnectionCreated(r.self, topicID, pending.PeerAccountID, *pending.RequestSequence)
	created.RequestingAccountID = pending.PeerAccountID
	if _, err := r.pub.Publish(ctx, pending.PeerInboundTopicID, created); err != nil {
		return Connection{}, fmt.Errorf("%s - failed to announce connection %s: %w", logPrefix, id, err)
	}

	r.mu.Lock()
	if state := r.conns[id].State; state != StatePending && state != StateNeedsConfirmation {
		r.mu.Unlock()
		slog.Warn(fmt.Sprintf("%s - %s moved to %s while approving; withdrawing topic %s", logPrefix, id, state, topicID))
		if _, err := r.pub.Publish(ctx, topicID, hcs.NewCloseConnection(r.self, "connection closed during approval")); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to send close_connection on %s: %v", logPrefix, topicID, err))
		}
		return Connection{}, fmt.Errorf("%s - %s changed to %s during approval: %w", logPrefix, id, state, ErrInvalidTransition)
	}
	defer r.mu.Unlock()
	next := *r.conns[id]
	next.State = StateEstablished
	next.ConnectionTopicID = topicID
	next.UpdatedAt = r.now().UTC()
	if err := r.store.SaveConnection(ctx, next); err != nil {
		return Connection{}, fmt.Errorf("%s - failed to persist connection: %w", logPrefix, err)
	}
	*r.conns[id] = next
	r.byTopic[topicID] = id
	slog.Info(fmt.Sprintf("%s - approved %s: peer %s on topic %s", logPrefix, id, next.PeerAccountID, topicID))
	return next, nil
}

// Close marks a connection Closed, first sending close_connection on its topic when
// it has one. A failed notice is logged and the connection is still closed.
func (r *Registry) Close(ctx context.Context, id, reason string) (Connection, error) {
	r.mu.RLock()
	c, ok := r.conns[id]
	var snapshot Connection
	if ok {
		snapshot = *c
	}
	r.mu.RUnlock()
	if !ok {
		return Connection{}, fmt.Errorf("%s - %s: %w", logPrefix, id, ErrNotFound)
	}
	if snapshot.State == StateClosed {
		return snapshot, nil
	}

	if snapshot.ConnectionTopicID != "" {
		if _, err := r.pub.Publish(ctx, snapshot.ConnectionTopicID, hcs.NewCloseConnection(r.self, reason)); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to send close_connection for %s: %v", logPrefix, id, err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c = r.conns[id]
	if c.State == StateClosed {
		return *c, nil
	}
	return r.closeLocked(ctx, c, reason)
}

func (r *Registry) closeLocked(ctx context.Context, c *Connection, reason string) (Connection, error) {
	next := *c
	next.State = StateClosed
	next.CloseReason = reason
	next.UpdatedAt = r.now().UTC()
	if err := r.store.SaveConnection(ctx, next); err != nil {
		return Connection{}, fmt.Errorf("%s - failed to persist connection: %w", logPrefix, err)
	}
	*c = next
	slog.Info(fmt.Sprintf("%s - connection %s closed: %s", logPrefix, next.ID, reason))
	return next, nil
}

// Initiate sends a connection_request to a peer's inbound topic and records a
// Pending connection keyed by the request's sequence number.
func (r *Registry) Initiate(ctx context.Context, peerInboundTopicID, peerAccountID, memo string) (Connection, error) {
	receipt, err := r.pub.Publish(ctx, peerInboundTopicID, hcs.NewConnectionRequest(r.self, memo))
	if err != nil {
		return Connection{}, fmt.Errorf("%s - failed to send connection_request to %s: %w", logPrefix, peerInboundTopicID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	seq := receipt.TopicSequenceNumber
	key := requestKey{topicID: peerInboundTopicID, seq: seq}
	if id, ok := r.byRequest[key]; ok {
		return *r.conns[id], nil
	}
	now := r.now().UTC()
	c := &Connection{
		ID:                 uuid.NewString(),
		PeerAccountID:      peerAccountID,
		PeerInboundTopicID: peerInboundTopicID,
		InitiatedByUs:      true,
		State:              StatePending,
		CreatedAt:          now,
		UpdatedAt:          now,
		RequestTopicID:     peerInboundTopicID,
		RequestSequence:    &seq,
		Memo:               memo,
	}
	if err := r.store.SaveConnection(ctx, *c); err != nil {
		return Connection{}, fmt.Errorf("%s - failed to persist connection: %w", logPrefix, err)
	}
	r.indexLocked(c)
	slog.Info(fmt.Sprintf("%s - initiated connection %s to %s (seq=%d)", logPrefix, c.ID, peerAccountID, seq))
	return *c, nil
}

func (r *Registry) indexLocked(c *Connection) {
	r.conns[c.ID] = c
	if c.RequestSequence != nil {
		r.byRequest[requestKey{topicID: c.RequestTopicID, seq: *c.RequestSequence}] = c.ID
	}
	if c.ConnectionTopicID != "" {
		r.byTopic[c.ConnectionTopicID] = c.ID
	}
}

// Get returns one connection.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// ByTopic returns the connection that owns a connection topic.
func (r *Registry) ByTopic(topicID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTopic[topicID]
	if !ok {
		return Connection{}, false
	}
	return *r.conns[id], true
}

// ListActive returns Established connections, oldest first.
func (r *Registry) ListActive() []Connection { return r.list(StateEstablished) }

// ListPending returns connections waiting on the handshake.
func (r *Registry) ListPending() []Connection { return r.list(StatePending) }

// ListNeedingConfirmation returns requests waiting for a manual approval.
func (r *Registry) ListNeedingConfirmation() []Connection { return r.list(StateNeedsConfirmation) }

// ListAll returns every connection, closed ones included.
func (r *Registry) ListAll() []Connection { return r.list("") }

func (r *Registry) list(state State) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if state == "" || c.State == state {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
