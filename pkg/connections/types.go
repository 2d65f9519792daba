// Package connections tracks HCS-10 peer connections as a state machine fed by log
// entries and driven by local commands.
package connections

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
)

// State is the lifecycle state of a Connection.
type State string

const (
	StatePending           State = "pending"
	StateNeedsConfirmation State = "needs_confirmation"
	StateEstablished       State = "established"
	StateClosed            State = "closed"
)

var (
	ErrNotFound           = errors.New("connection not found")
	ErrInvalidTransition  = errors.New("invalid connection state transition")
	ErrApprovalInProgress = errors.New("connection approval already in progress")
)

// Connection is a negotiated peer relationship. Connections are never deleted, only
// closed, so replayed requests stay idempotent.
type Connection struct {
	ID                 string    `json:"id"`
	ConnectionTopicID  string    `json:"connectionTopicId,omitempty"`
	PeerAccountID      string    `json:"peerAccountId"`
	PeerInboundTopicID string    `json:"peerInboundTopicId"`
	InitiatedByUs      bool      `json:"initiatedByUs"`
	State              State     `json:"state"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	RequestTopicID     string    `json:"requestTopicId"`
	RequestSequence    *uint64   `json:"requestSequence,omitempty"`
	Memo               string    `json:"memo,omitempty"`
	CloseReason        string    `json:"closeReason,omitempty"`
}

// UpdateKind describes what OnLogEntry did.
type UpdateKind string

const (
	UpdateNone        UpdateKind = ""
	UpdateRequested   UpdateKind = "requested"
	UpdateEstablished UpdateKind = "established"
	UpdateClosed      UpdateKind = "closed"
)

// Update is the result of feeding one entry to the registry.
type Update struct {
	Kind       UpdateKind
	Connection Connection
}

// Changed reports whether the entry mutated registry state.
func (u Update) Changed() bool { return u.Kind != UpdateNone }

// Publisher writes envelopes to topics.
type Publisher interface {
	Publish(ctx context.Context, topicID string, env *hcs.Envelope) (hcs.Receipt, error)
}

// Store persists connections. SaveConnection upserts by ID.
type Store interface {
	SaveConnection(ctx context.Context, c Connection) error
	ListConnections(ctx context.Context) ([]Connection, error)
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu    sync.Mutex
	conns map[string]Connection
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conns: make(map[string]Connection)}
}

func (m *MemoryStore) SaveConnection(_ context.Context, c Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID] = c
	return nil
}

func (m *MemoryStore) ListConnections(context.Context) ([]Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out, nil
}
