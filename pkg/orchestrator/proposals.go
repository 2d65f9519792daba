package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ProposalStatus is the lifecycle of a proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalExecuted ProposalStatus = "executed"
	ProposalFailed   ProposalStatus = "failed"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is a rebalancing request received from a peer.
type Proposal struct {
	ID           string             `json:"id"`
	ConnectionID string             `json:"connectionId"`
	ReplyTopicID string             `json:"replyTopicId"`
	NewWeights   map[string]float64 `json:"newWeights"`
	Reason       string             `json:"reason,omitempty"`
	Status       ProposalStatus     `json:"status"`
	ReceivedAt   time.Time          `json:"receivedAt"`
	ApprovedAt   *time.Time         `json:"approvedAt,omitempty"`
	ExecutedAt   *time.Time         `json:"executedAt,omitempty"`
	Error        string             `json:"error,omitempty"`
	Result       *RebalanceExecuted `json:"result,omitempty"`
}

// ProposalStore persists proposals and the executed set.
type ProposalStore interface {
	SaveProposal(ctx context.Context, p Proposal) error
	ListProposals(ctx context.Context) ([]Proposal, error)
	// MarkExecuted adds id to the executed set and reports false when it was
	// already there.
	MarkExecuted(ctx context.Context, id string, at time.Time) (bool, error)
	ExecutedIDs(ctx context.Context) ([]string, error)
}

// MemoryProposalStore is a ProposalStore held in memory.
type MemoryProposalStore struct {
	mu        sync.Mutex
	proposals map[string]Proposal
	executed  map[string]time.Time
}

// NewMemoryProposalStore creates an empty store.
func NewMemoryProposalStore() *MemoryProposalStore {
	return &MemoryProposalStore{
		proposals: make(map[string]Proposal),
		executed:  make(map[string]time.Time),
	}
}

func (m *MemoryProposalStore) SaveProposal(_ context.Context, p Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.ID] = p
	return nil
}

func (m *MemoryProposalStore) ListProposals(context.Context) ([]Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Proposal, 0, len(m.proposals))
	for _, p := range m.proposals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (m *MemoryProposalStore) MarkExecuted(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executed[id]; ok {
		return false, nil
	}
	m.executed[id] = at
	return true, nil
}

func (m *MemoryProposalStore) ExecutedIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.executed))
	for id := range m.executed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
