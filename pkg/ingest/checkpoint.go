package ingest

import (
	"context"
	"sync"

	"github.com/0xPrimordia/lynxify-hackathon-sub000/pkg/hcs"
)

// Checkpointer persists high-water marks so ingestion can resume after a restart.
type Checkpointer interface {
	Load(ctx context.Context, topicID string) (hcs.Position, bool, error)
	Save(ctx context.Context, topicID string, pos hcs.Position) error
}

// NoOpCheckpointer keeps nothing; every subscription starts from the beginning.
type NoOpCheckpointer struct{}

func (NoOpCheckpointer) Load(context.Context, string) (hcs.Position, bool, error) {
	return hcs.Position{}, false, nil
}

func (NoOpCheckpointer) Save(context.Context, string, hcs.Position) error { return nil }

// MemoryCheckpointer keeps marks in process memory.
type MemoryCheckpointer struct {
	mu    sync.Mutex
	marks map[string]hcs.Position
}

// NewMemoryCheckpointer creates an empty MemoryCheckpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{marks: make(map[string]hcs.Position)}
}

func (m *MemoryCheckpointer) Load(_ context.Context, topicID string) (hcs.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.marks[topicID]
	return pos, ok, nil
}

func (m *MemoryCheckpointer) Save(_ context.Context, topicID string, pos hcs.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[topicID] = pos
	return nil
}
