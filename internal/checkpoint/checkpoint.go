// Package checkpoint persists the durable cursor of each resource: the end of the last
// window whose records have all been flushed to the sink.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEmptyResource is returned when a checkpoint has no resource name.
var ErrEmptyResource = errors.New("checkpoint resource is required")

// Checkpoint is the durable cursor of one resource.
type Checkpoint struct {
	Resource  string    `json:"resource"`
	Cursor    time.Time `json:"cursor"`
	RunID     string    `json:"run_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store loads and saves checkpoints. Load reports false when none exists.
type Store interface {
	Load(ctx context.Context, resource string) (Checkpoint, bool, error)
	Save(ctx context.Context, cp Checkpoint) error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]Checkpoint
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]Checkpoint)}
}

// Load returns the checkpoint for resource.
func (m *Memory) Load(_ context.Context, resource string) (Checkpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.data[resource]
	return cp, ok, nil
}

// Save stores cp.
func (m *Memory) Save(_ context.Context, cp Checkpoint) error {
	if cp.Resource == "" {
		return ErrEmptyResource
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[cp.Resource] = cp
	return nil
}
