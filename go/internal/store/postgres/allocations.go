package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/sqlutil"
)

const allocationColumns = `id, round_id, season_id, player_id, team_id, final_amount, bid_id, tiebreaker_id, reversed, created_at`

func scanAllocation(row pgx.Row) (*models.Allocation, error) {
	var (
		a            models.Allocation
		tiebreakerID pgtype.UUID
	)
	err := row.Scan(&a.ID, &a.RoundID, &a.SeasonID, &a.PlayerID, &a.TeamID,
		&a.FinalAmount, &a.BidID, &tiebreakerID, &a.Reversed, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.TiebreakerID = sqlutil.FromNullUUID(tiebreakerID)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func (s *Store) ListAllocations(ctx context.Context, roundID uuid.UUID) ([]*models.Allocation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE round_id = $1 AND NOT reversed
		ORDER BY created_at, player_id`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Allocation, error) {
		return scanAllocation(row)
	})
}

func (s *Store) FindActiveAllocation(ctx context.Context, seasonID, playerID uuid.UUID) (*models.Allocation, error) {
	a, err := scanAllocation(s.pool.QueryRow(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE season_id = $1 AND player_id = $2 AND NOT reversed`, seasonID, playerID))
	if err != nil {
		return nil, notFound(err, "allocation for player %s", playerID)
	}
	return a, nil
}

func (s *Store) CommitAllocation(ctx context.Context, alloc *models.Allocation, discardBidIDs []uuid.UUID) error {
	return sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		return commitAllocation(ctx, tx, alloc, discardBidIDs)
	})
}

func commitAllocation(ctx context.Context, tx pgx.Tx, alloc *models.Allocation, discardBidIDs []uuid.UUID) error {
	var status models.RoundStatus
	err := tx.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1 FOR SHARE`, alloc.RoundID).Scan(&status)
	if err != nil {
		return notFound(err, "round %s", alloc.RoundID)
	}
	if status == models.RoundStatusDeleted {
		return apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is deleted", alloc.RoundID)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO allocations (`+allocationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)`,
		alloc.ID, alloc.RoundID, alloc.SeasonID, alloc.PlayerID, alloc.TeamID,
		alloc.FinalAmount, alloc.BidID, sqlutil.ToNullUUID(alloc.TiebreakerID), alloc.CreatedAt)
	if _, dup := constraintViolation(err); dup {
		return apperr.Wrapf(apperr.ErrAlreadyAllocated, "player %s", alloc.PlayerID)
	}
	if err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE bids SET status = 'won' WHERE id = $1`, alloc.BidID); err != nil {
		return fmt.Errorf("mark bid won: %w", err)
	}
	return discardBids(ctx, tx, discardBidIDs)
}
