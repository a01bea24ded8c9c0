package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
)

// Budgets is the team_budgets backed budget.Service.
type Budgets struct {
	store *Store
}

// Budgets returns the budget.Service view of the store.
func (s *Store) Budgets() *Budgets {
	return &Budgets{store: s}
}

// SetBudget upserts a team's balance.
func (b *Budgets) SetBudget(ctx context.Context, teamID uuid.UUID, amount int64) error {
	_, err := b.store.pool.Exec(ctx, `
		INSERT INTO team_budgets (team_id, balance, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (team_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`,
		teamID, amount)
	if err != nil {
		return fmt.Errorf("set budget: %w", err)
	}
	return nil
}

// SeedBudget sets an opening balance for a team the store does not know yet.
func (b *Budgets) SeedBudget(ctx context.Context, teamID uuid.UUID, amount int64) error {
	_, err := b.store.pool.Exec(ctx, `
		INSERT INTO team_budgets (team_id, balance, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (team_id) DO NOTHING`,
		teamID, amount)
	if err != nil {
		return fmt.Errorf("seed budget: %w", err)
	}
	return nil
}

func (b *Budgets) GetAvailableBudget(ctx context.Context, teamID uuid.UUID) (int64, error) {
	var balance int64
	err := b.store.pool.QueryRow(ctx, `SELECT balance FROM team_budgets WHERE team_id = $1`, teamID).Scan(&balance)
	if err != nil {
		return 0, notFound(err, "team %s has no budget", teamID)
	}
	return balance, nil
}

func (b *Budgets) Debit(ctx context.Context, teamID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return apperr.ErrInvalidAmount
	}
	var balance int64
	err := b.store.pool.QueryRow(ctx, `
		UPDATE team_budgets SET balance = balance - $2, updated_at = NOW()
		WHERE team_id = $1 AND balance >= $2
		RETURNING balance`, teamID, amount).Scan(&balance)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("debit budget: %w", err)
	}
	// Nothing matched: the team is unknown or short of funds.
	current, getErr := b.GetAvailableBudget(ctx, teamID)
	if getErr != nil {
		return getErr
	}
	return fmt.Errorf("debit %d from %d: %w", amount, current, apperr.ErrInsufficientFunds)
}

func (b *Budgets) Credit(ctx context.Context, teamID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return apperr.ErrInvalidAmount
	}
	tag, err := b.store.pool.Exec(ctx, `
		UPDATE team_budgets SET balance = balance + $2, updated_at = NOW() WHERE team_id = $1`,
		teamID, amount)
	if err != nil {
		return fmt.Errorf("credit budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Wrapf(apperr.ErrNotFound, "team %s has no budget", teamID)
	}
	return nil
}
