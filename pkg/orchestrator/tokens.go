package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// TokenService mints and burns index tokens.
type TokenService interface {
	Balances(ctx context.Context) (map[string]int64, error)
	Mint(ctx context.Context, token string, amount int64) error
	Burn(ctx context.Context, token string, amount int64) error
}

// MemoryTokenService keeps balances in memory.
type MemoryTokenService struct {
	mu       sync.Mutex
	balances map[string]int64
	calls    int
}

// NewMemoryTokenService starts from the given balances.
func NewMemoryTokenService(initial map[string]int64) *MemoryTokenService {
	b := make(map[string]int64, len(initial))
	for k, v := range initial {
		b[k] = v
	}
	return &MemoryTokenService{balances: b}
}

func (m *MemoryTokenService) Balances(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryTokenService) Mint(_ context.Context, token string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("mint %s: non-positive amount %d", token, amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[token] += amount
	m.calls++
	return nil
}

func (m *MemoryTokenService) Burn(_ context.Context, token string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount <= 0 || m.balances[token] < amount {
		return fmt.Errorf("burn %s: cannot burn %d of %d", token, amount, m.balances[token])
	}
	m.balances[token] -= amount
	m.calls++
	return nil
}

// Calls returns the number of successful mint and burn operations.
func (m *MemoryTokenService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
