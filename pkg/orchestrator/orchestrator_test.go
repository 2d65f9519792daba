package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/connections"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/events"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ingest"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/ledger/memlog"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/submitter"
	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/topicinfo"
)

const (
	inboundA  = "0.0.100"
	outboundA = "0.0.101"
	inboundB  = "0.0.500"
	accountA  = "0.0.1"
	accountB  = "0.0.200"
)

var (
	self = hcs.OperatorRef{TopicID: inboundA, AccountID: accountA}
	peer = hcs.OperatorRef{TopicID: inboundB, AccountID: accountB}
)

type recorder struct {
	mu     sync.Mutex
	events []events.AgentEvent
}

func (r *recorder) publish(_ context.Context, e *events.AgentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type staticSummarizer string

func (s staticSummarizer) Summarize(context.Context, RebalanceExecuted) (string, error) {
	return string(s), nil
}

type fixture struct {
	log       *memlog.Log
	orch      *Orchestrator
	tokens    *MemoryTokenService
	proposals *MemoryProposalStore
	events    *recorder
}

type fixtureOpts struct {
	cfg         Config
	proposals   *MemoryProposalStore
	balances    map[string]int64
	connStore   connections.Store
	checkpoints ingest.Checkpointer
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	log := memlog.New()
	log.EnsureTopic(inboundA, "")
	log.EnsureTopic(outboundA, "")
	log.EnsureTopic(inboundB, "")
	pub := submitter.New(log, topicinfo.New(log), submitter.Options{PayerAccountID: accountA, Operator: ledger.NewCredential(priv)})

	proposals := opts.proposals
	if proposals == nil {
		proposals = NewMemoryProposalStore()
	}
	balances := opts.balances
	if balances == nil {
		balances = map[string]int64{"BTC": 500, "ETH": 300, "SOL": 200}
	}
	rec := &recorder{}
	tokens := NewMemoryTokenService(balances)

	cfg := opts.cfg
	cfg.Self = self
	orch := New(cfg, Deps{
		Registry:   connections.NewRegistry(pub, log, connections.Options{Self: self, Store: opts.connStore}),
		Ingestor:   ingest.New(log, log, opts.checkpoints, ingest.Config{PollInterval: 20 * time.Millisecond, ResubscribeBackoff: 20 * time.Millisecond}),
		Publisher:  pub,
		Tokens:     tokens,
		Proposals:  proposals,
		Summarizer: staticSummarizer("rebalanced"),
		Events:     events.NewCallbackPublisher(rec.publish),
	})
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &fixture{log: log, orch: orch, tokens: tokens, proposals: proposals, events: rec}
}

func (f *fixture) peerSend(t *testing.T, topicID string, env *hcs.Envelope) hcs.LogEntry {
	t.Helper()
	raw, err := env.Encode()
	require.NoError(t, err)
	return f.log.AppendRaw(topicID, raw)
}

func (f *fixture) peerPayload(t *testing.T, topicID string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.peerSend(t, topicID, hcs.NewMessage(peer, string(data), ""))
}

func (f *fixture) establish(t *testing.T) connections.Connection {
	t.Helper()
	f.peerSend(t, inboundA, hcs.NewConnectionRequest(peer, "hello"))
	require.Eventually(t, func() bool { return len(f.orch.ListActiveConnections()) == 1 }, 3*time.Second, 5*time.Millisecond)
	return f.orch.ListActiveConnections()[0]
}

// executedReports returns RebalanceExecuted payloads we published on topicID.
func (f *fixture) executedReports(t *testing.T, topicID string) []RebalanceExecuted {
	t.Helper()
	var out []RebalanceExecuted
	for _, e := range f.log.Entries(topicID) {
		env, err := hcs.ParseEnvelope(e.Raw)
		require.NoError(t, err)
		if env.Op != hcs.OpMessage || env.OperatorID != self.String() {
			continue
		}
		var r RebalanceExecuted
		require.NoError(t, json.Unmarshal([]byte(env.Data), &r))
		if r.Type == TypeRebalanceExecuted {
			out = append(out, r)
		}
	}
	return out
}

func proposal(id string, weights map[string]float64) Payload {
	return Payload{Type: TypeRebalanceProposal, SchemaVersion: SchemaVersion, ProposalID: id, NewWeights: weights}
}

func approval(id string) Payload {
	return Payload{Type: TypeRebalanceApproved, SchemaVersion: SchemaVersion, ProposalID: id}
}

var scenarioWeights = map[string]float64{"BTC": 0.6, "ETH": 0.3, "SOL": 0.1}

func TestHandshake_AutoApprove(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{AutoApprove: true}})
	conn := f.establish(t)

	assert.Equal(t, accountB, conn.PeerAccountID)
	assert.NotEmpty(t, conn.ConnectionTopicID)

	announced := f.log.Entries(inboundB)
	require.Len(t, announced, 1)
	env, err := hcs.ParseEnvelope(announced[0].Raw)
	require.NoError(t, err)
	assert.Equal(t, hcs.OpConnectionCreated, env.Op)
	assert.Equal(t, conn.ConnectionTopicID, env.ConnectionTopicID)

	require.Eventually(t, func() bool { return f.events.count(events.KindConnectionAccepted) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.events.count(events.KindConnectionRequested))
}

func TestHandshake_ManualApproval(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.peerSend(t, inboundA, hcs.NewConnectionRequest(peer, "hello"))
	require.Eventually(t, func() bool { return len(f.orch.ListPendingConnections()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.orch.ListActiveConnections())
	assert.Empty(t, f.log.Entries(inboundB))

	pending := f.orch.ListPendingConnections()[0]
	conn, err := f.orch.ApproveConnection(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, connections.StateEstablished, conn.State)
	assert.Len(t, f.orch.ListActiveConnections(), 1)
	assert.Len(t, f.log.Entries(inboundB), 1)
}

func TestHandshake_PushAndPullApplyOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.peerSend(t, inboundA, hcs.NewConnectionRequest(peer, "hello"))
	require.Eventually(t, func() bool { return f.events.count(events.KindConnectionRequested) == 1 }, 3*time.Second, 5*time.Millisecond)

	// several poll ticks re-read the same history
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.events.count(events.KindConnectionRequested))
	assert.Len(t, f.orch.ListPendingConnections(), 1)
}

func TestProposal_ExecutesOnceForDuplicateApprovals(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{AutoApprove: true}})
	conn := f.establish(t)

	f.peerPayload(t, conn.ConnectionTopicID, proposal("p-1", scenarioWeights))
	f.peerPayload(t, conn.ConnectionTopicID, approval("p-1"))
	f.peerPayload(t, conn.ConnectionTopicID, approval("p-1"))
	f.peerPayload(t, conn.ConnectionTopicID, proposal("p-1", scenarioWeights))
	f.peerPayload(t, conn.ConnectionTopicID, approval("p-1"))

	require.Eventually(t, func() bool { return f.events.count(events.KindProposalExecuted) == 1 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, f.events.count(events.KindProposalExecuted))
	assert.Equal(t, 2, f.tokens.Calls())
	assert.Len(t, f.executedReports(t, conn.ConnectionTopicID), 1)
}

func TestProposal_RebalanceToTargetWeights(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{AutoApprove: true, OutboundTopicID: outboundA}})
	conn := f.establish(t)

	f.peerPayload(t, conn.ConnectionTopicID, proposal("p-1", scenarioWeights))
	f.peerPayload(t, conn.ConnectionTopicID, approval("p-1"))
	require.Eventually(t, func() bool { return f.events.count(events.KindProposalExecuted) == 1 }, 3*time.Second, 5*time.Millisecond)

	reports := f.executedReports(t, conn.ConnectionTopicID)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, "p-1", r.ProposalID)
	assert.Equal(t, map[string]int64{"BTC": 500, "ETH": 300, "SOL": 200}, r.PreBalances)
	assert.Equal(t, map[string]int64{"BTC": 600, "ETH": 300, "SOL": 100}, r.PostBalances)
	assert.Equal(t, map[string]int64{"BTC": 100, "SOL": -100}, r.Adjustments)
	assert.Equal(t, "rebalanced", r.Summary)
	assert.Len(t, f.executedReports(t, outboundA), 1)

	stored, err := f.proposals.ListProposals(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, ProposalExecuted, stored[0].Status)
	require.NotNil(t, stored[0].Result)
}

func TestProposal_ApprovalDelay(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{AutoApprove: true, ApprovalDelay: 30 * time.Millisecond}})
	conn := f.establish(t)

	f.peerPayload(t, conn.ConnectionTopicID, proposal("p-1", scenarioWeights))
	require.Eventually(t, func() bool { return f.events.count(events.KindProposalExecuted) == 1 }, 3*time.Second, 5*time.Millisecond)

	f.peerPayload(t, conn.ConnectionTopicID, approval("p-1"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.events.count(events.KindProposalExecuted))
	assert.Equal(t, 2, f.tokens.Calls())
}

func TestProposal_InvalidWeightsRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{AutoApprove: true}})
	conn := f.establish(t)

	f.peerPayload(t, conn.ConnectionTopicID, proposal("p-bad", map[string]float64{"BTC": 0.6, "ETH": 0.6}))
	f.peerPayload(t, conn.ConnectionTopicID, approval("p-bad"))
	require.Eventually(t, func() bool { return f.events.count(events.KindError) >= 1 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	assert.Zero(t, f.tokens.Calls())
	stored, err := f.proposals.ListProposals(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, ProposalRejected, stored[0].Status)
}

func TestProposal_AlreadyExecutedInStoreIsSkipped(t *testing.T) {
	store := NewMemoryProposalStore()
	_, err := store.MarkExecuted(context.Background(), "p-1", time.Now())
	require.NoError(t, err)

	f := newFixture(t, fixtureOpts{cfg: Config{AutoApprove: true}, proposals: store})
	conn := f.establish(t)
	f.peerPayload(t, conn.ConnectionTopicID, proposal("p-1", scenarioWeights))
	f.peerPayload(t, conn.ConnectionTopicID, approval("p-1"))
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, f.tokens.Calls())
	assert.Empty(t, f.executedReports(t, conn.ConnectionTopicID))
}

func TestApproveProposal_Operator(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{AutoApprove: true}})
	conn := f.establish(t)
	f.peerPayload(t, conn.ConnectionTopicID, proposal("p-1", scenarioWeights))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		props, err := f.orch.ListProposals(ctx)
		return err == nil && len(props) == 1
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, f.orch.ApproveProposal(ctx, "p-1"))
	err := f.orch.ApproveProposal(ctx, "p-1")
	assert.ErrorIs(t, err, hcs.ErrDuplicateProposalExecution)
	assert.ErrorIs(t, f.orch.ApproveProposal(ctx, "p-404"), ErrProposalNotFound)
	assert.Equal(t, 2, f.tokens.Calls())
}

func TestSendApplicationMessage(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	_, err := f.orch.SendApplicationMessage(ctx, "missing", "hi")
	assert.ErrorIs(t, err, connections.ErrNotFound)

	f.peerSend(t, inboundA, hcs.NewConnectionRequest(peer, "hello"))
	require.Eventually(t, func() bool { return len(f.orch.ListPendingConnections()) == 1 }, 3*time.Second, 5*time.Millisecond)
	pending := f.orch.ListPendingConnections()[0]
	_, err = f.orch.SendApplicationMessage(ctx, pending.ID, "hi")
	assert.ErrorIs(t, err, ErrConnectionNotActive)

	conn, err := f.orch.ApproveConnection(ctx, pending.ID)
	require.NoError(t, err)
	receipt, err := f.orch.SendApplicationMessage(ctx, conn.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, hcs.StatusSuccess, receipt.Status)

	entries := f.log.Entries(conn.ConnectionTopicID)
	require.Len(t, entries, 1)
	env, err := hcs.ParseEnvelope(entries[0].Raw)
	require.NoError(t, err)
	assert.Equal(t, "hi", env.Data)
}

func TestCloseConnection_StopsIngestion(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{AutoApprove: true}})
	conn := f.establish(t)
	require.Eventually(t, func() bool { return f.log.Subscribers(conn.ConnectionTopicID) == 1 }, 3*time.Second, 5*time.Millisecond)

	closed, err := f.orch.CloseConnection(context.Background(), conn.ID, "done")
	require.NoError(t, err)
	assert.Equal(t, connections.StateClosed, closed.State)
	assert.Empty(t, f.orch.ListActiveConnections())
	require.Eventually(t, func() bool { return f.log.Subscribers(conn.ConnectionTopicID) == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.events.count(events.KindConnectionClosed))
}

func TestShutdown_RejectsCommands(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))

	_, err := f.orch.ApproveConnection(ctx, "any")
	assert.True(t, errors.Is(err, ErrNotRunning))
	assert.Zero(t, f.log.Subscribers(inboundA))
}

// unavailableStore fails every save while down is set.
type unavailableStore struct {
	*connections.MemoryStore
	down atomic.Bool
}

func (s *unavailableStore) SaveConnection(ctx context.Context, c connections.Connection) error {
	if s.down.Load() {
		return errors.New("connection store unavailable")
	}
	return s.MemoryStore.SaveConnection(ctx, c)
}

func TestHandshake_RequestRetriedAfterStoreFailure(t *testing.T) {
	store := &unavailableStore{MemoryStore: connections.NewMemoryStore()}
	store.down.Store(true)
	cp := ingest.NewMemoryCheckpointer()
	f := newFixture(t, fixtureOpts{connStore: store, checkpoints: cp})

	f.peerSend(t, inboundA, hcs.NewConnectionRequest(peer, "hello"))
	require.Eventually(t, func() bool { return f.events.count(events.KindError) >= 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.orch.ListPendingConnections())
	pos, _, err := cp.Load(context.Background(), inboundA)
	require.NoError(t, err)
	assert.Zero(t, pos.Sequence, "mark must not pass an entry that was not applied")

	store.down.Store(false)
	require.Eventually(t, func() bool { return len(f.orch.ListPendingConnections()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.events.count(events.KindConnectionRequested))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))
	pos, ok, err := cp.Load(context.Background(), inboundA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), pos.Sequence)
}
