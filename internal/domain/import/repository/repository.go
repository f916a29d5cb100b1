// Package repository persists the ledger state document.
package repository

import (
	"context"
	"sync"

	"github.com/FACorreiaa/echo-ledger/internal/domain/common"
)

// StateRepository stores one state document. Update is the only write path:
// fn runs against a private copy and its changes are stored only when it
// returns nil, so every write is all-or-nothing and writers are serialized.
type StateRepository interface {
	Load(ctx context.Context) (*common.State, error)
	Update(ctx context.Context, fn func(*common.State) error) error
}

// MemoryStateRepository is an in-memory StateRepository.
// Data is lost on restart - for persistence, use PostgresStateRepository.
type MemoryStateRepository struct {
	mu    sync.RWMutex
	state *common.State
}

var _ StateRepository = (*MemoryStateRepository)(nil)

// NewMemoryStateRepository creates a repository holding initial, or an empty state.
func NewMemoryStateRepository(initial *common.State) *MemoryStateRepository {
	if initial == nil {
		initial = common.NewState()
	}
	return &MemoryStateRepository{state: initial.Clone()}
}

// Load returns a copy of the current state.
func (r *MemoryStateRepository) Load(ctx context.Context) (*common.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone(), nil
}

// Update applies fn to a copy and swaps it in on success.
func (r *MemoryStateRepository) Update(ctx context.Context, fn func(*common.State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.Clone()
	if err := fn(next); err != nil {
		return err
	}
	r.state = next
	return nil
}
