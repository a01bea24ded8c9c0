// Package players is the player eligibility collaborator.
package players

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Directory lists players that may still be auctioned.
type Directory interface {
	ListEligiblePlayers(ctx context.Context, seasonID uuid.UUID, position string) ([]uuid.UUID, error)
}

type poolKey struct {
	seasonID uuid.UUID
	position string
}

// Memory is an in-process Directory.
type Memory struct {
	mu    sync.RWMutex
	pools map[poolKey][]uuid.UUID
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{pools: make(map[poolKey][]uuid.UUID)}
}

// Add registers eligible players for a season and position.
func (m *Memory) Add(seasonID uuid.UUID, position string, playerIDs ...uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := poolKey{seasonID, position}
	m.pools[k] = append(m.pools[k], playerIDs...)
}

func (m *Memory) ListEligiblePlayers(_ context.Context, seasonID uuid.UUID, position string) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool := m.pools[poolKey{seasonID, position}]
	out := make([]uuid.UUID, len(pool))
	copy(out, pool)
	return out, nil
}

// AddEligiblePlayers is Add behind the store-shaped signature used for
// startup seeding. Players already in the pool are not added twice.
func (m *Memory) AddEligiblePlayers(_ context.Context, seasonID uuid.UUID, position string, playerIDs ...uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := poolKey{seasonID, position}
	for _, id := range playerIDs {
		if !slices.Contains(m.pools[k], id) {
			m.pools[k] = append(m.pools[k], id)
		}
	}
	return nil
}
