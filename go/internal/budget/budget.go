// Package budget is the team budget collaborator.
//
// The balance returned by GetAvailableBudget already excludes committed
// spends. Live bid reservations are tracked by the bid ledger, not here.
package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
)

// Service is the team budget store.
type Service interface {
	GetAvailableBudget(ctx context.Context, teamID uuid.UUID) (int64, error)
	// Debit fails with apperr.ErrInsufficientFunds when the balance is too low.
	Debit(ctx context.Context, teamID uuid.UUID, amount int64) error
	Credit(ctx context.Context, teamID uuid.UUID, amount int64) error
}

// Memory is an in-process Service.
type Memory struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
}

// NewMemory creates an empty in-memory budget store.
func NewMemory() *Memory {
	return &Memory{balances: make(map[uuid.UUID]int64)}
}

// SetBudget sets a team's balance.
func (m *Memory) SetBudget(teamID uuid.UUID, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[teamID] = amount
}

// SeedBudget sets an opening balance for a team that has none yet.
func (m *Memory) SeedBudget(_ context.Context, teamID uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[teamID]; !ok {
		m.balances[teamID] = amount
	}
	return nil
}

func (m *Memory) GetAvailableBudget(_ context.Context, teamID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[teamID]
	if !ok {
		return 0, apperr.Wrapf(apperr.ErrNotFound, "team %s has no budget", teamID)
	}
	return balance, nil
}

func (m *Memory) Debit(_ context.Context, teamID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return apperr.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[teamID]
	if !ok {
		return apperr.Wrapf(apperr.ErrNotFound, "team %s has no budget", teamID)
	}
	if balance < amount {
		return fmt.Errorf("debit %d from %d: %w", amount, balance, apperr.ErrInsufficientFunds)
	}
	m.balances[teamID] = balance - amount
	return nil
}

func (m *Memory) Credit(_ context.Context, teamID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return apperr.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[teamID]; !ok {
		return apperr.Wrapf(apperr.ErrNotFound, "team %s has no budget", teamID)
	}
	m.balances[teamID] += amount
	return nil
}
