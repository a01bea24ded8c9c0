package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/sqlutil"
)

const tiebreakerColumns = `id, round_id, player_id, kind, original_amount, status, participants,
	previous_id, next_id, winner_team_id, winning_amount, created_at, resolved_at`

func scanTiebreaker(row pgx.Row) (*models.Tiebreaker, error) {
	var (
		tb            models.Tiebreaker
		participants  []byte
		previousID    pgtype.UUID
		nextID        pgtype.UUID
		winnerTeamID  pgtype.UUID
		winningAmount pgtype.Int8
		resolvedAt    pgtype.Timestamptz
	)
	err := row.Scan(&tb.ID, &tb.RoundID, &tb.PlayerID, &tb.Kind, &tb.OriginalAmount, &tb.Status,
		&participants, &previousID, &nextID, &winnerTeamID, &winningAmount, &tb.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participants, &tb.Participants); err != nil {
		return nil, fmt.Errorf("decode participants of tiebreaker %s: %w", tb.ID, err)
	}
	tb.PreviousID = sqlutil.FromNullUUID(previousID)
	tb.NextID = sqlutil.FromNullUUID(nextID)
	tb.WinnerTeamID = sqlutil.FromNullUUID(winnerTeamID)
	if winningAmount.Valid {
		amount := winningAmount.Int64
		tb.WinningAmount = &amount
	}
	tb.CreatedAt = tb.CreatedAt.UTC()
	tb.ResolvedAt = sqlutil.FromPgTime(resolvedAt)
	return &tb, nil
}

func (s *Store) listTiebreakers(ctx context.Context, where string, args ...any) ([]*models.Tiebreaker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tiebreakerColumns+` FROM tiebreakers WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tiebreakers: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Tiebreaker, error) {
		return scanTiebreaker(row)
	})
}

func (s *Store) GetTiebreaker(ctx context.Context, id uuid.UUID) (*models.Tiebreaker, error) {
	tb, err := scanTiebreaker(s.pool.QueryRow(ctx,
		`SELECT `+tiebreakerColumns+` FROM tiebreakers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "tiebreaker %s", id)
	}
	return tb, nil
}

func (s *Store) ListTiebreakers(ctx context.Context, roundID uuid.UUID) ([]*models.Tiebreaker, error) {
	return s.listTiebreakers(ctx, `round_id = $1`, roundID)
}

func (s *Store) ListTeamTiebreakers(ctx context.Context, teamID uuid.UUID) ([]*models.Tiebreaker, error) {
	return s.listTiebreakers(ctx,
		`participants @> jsonb_build_array(jsonb_build_object('team_id', $1::text))`, teamID.String())
}

func (s *Store) FindPendingTiebreaker(ctx context.Context, roundID, playerID uuid.UUID) (*models.Tiebreaker, error) {
	tb, err := scanTiebreaker(s.pool.QueryRow(ctx, `
		SELECT `+tiebreakerColumns+` FROM tiebreakers
		WHERE round_id = $1 AND player_id = $2 AND status = 'pending'`, roundID, playerID))
	if err != nil {
		return nil, notFound(err, "pending tiebreaker for player %s", playerID)
	}
	return tb, nil
}

func (s *Store) CountPendingTiebreakers(ctx context.Context, roundID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tiebreakers WHERE round_id = $1 AND status = 'pending'`, roundID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending tiebreakers: %w", err)
	}
	return n, nil
}

func (s *Store) CreateTiebreaker(ctx context.Context, tb *models.Tiebreaker, discardBidIDs []uuid.UUID) error {
	return sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		return insertTiebreaker(ctx, tx, tb, discardBidIDs)
	})
}

func insertTiebreaker(ctx context.Context, tx pgx.Tx, tb *models.Tiebreaker, discardBidIDs []uuid.UUID) error {
	participants, err := json.Marshal(tb.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	var winningAmount pgtype.Int8
	if tb.WinningAmount != nil {
		winningAmount = pgtype.Int8{Int64: *tb.WinningAmount, Valid: true}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tiebreakers (`+tiebreakerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tb.ID, tb.RoundID, tb.PlayerID, tb.Kind, tb.OriginalAmount, tb.Status, participants,
		sqlutil.ToNullUUID(tb.PreviousID), sqlutil.ToNullUUID(tb.NextID), sqlutil.ToNullUUID(tb.WinnerTeamID),
		winningAmount, tb.CreatedAt, sqlutil.ToPgTime(tb.ResolvedAt))
	if _, dup := constraintViolation(err); dup {
		return apperr.Wrapf(apperr.ErrStatusConflict, "player %s already has a pending tiebreaker", tb.PlayerID)
	}
	if err != nil {
		return fmt.Errorf("insert tiebreaker: %w", err)
	}
	return discardBids(ctx, tx, discardBidIDs)
}

// lockPending loads a tiebreaker FOR UPDATE and requires it to still be pending.
func lockPending(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Tiebreaker, error) {
	tb, err := scanTiebreaker(tx.QueryRow(ctx,
		`SELECT `+tiebreakerColumns+` FROM tiebreakers WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "tiebreaker %s", id)
	}
	if !tb.IsPending() {
		return nil, apperr.Wrapf(apperr.ErrTiebreakerResolved, "tiebreaker %s is %s", id, tb.Status)
	}
	return tb, nil
}

func (s *Store) SubmitTiebreakerBid(ctx context.Context, id, teamID uuid.UUID, amount int64) (*models.Tiebreaker, error) {
	return sqlutil.RunValue(ctx, s.pool, func(tx pgx.Tx) (*models.Tiebreaker, error) {
		tb, err := lockPending(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		p, ok := tb.Participant(teamID)
		if !ok {
			return nil, apperr.Wrapf(apperr.ErrNotAParticipant, "team %s", teamID)
		}
		if p.Submitted {
			return nil, apperr.Wrapf(apperr.ErrAlreadySubmitted, "team %s", teamID)
		}
		tag, err := tx.Exec(ctx, `UPDATE bids SET reserved = $2 WHERE id = $1 AND status = 'live'`, p.BidID, amount)
		if err != nil {
			return nil, fmt.Errorf("update reservation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, apperr.Wrapf(apperr.ErrNotFound, "live bid %s", p.BidID)
		}
		p.NewBid = &amount
		p.Submitted = true

		participants, err := json.Marshal(tb.Participants)
		if err != nil {
			return nil, fmt.Errorf("encode participants: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE tiebreakers SET participants = $2 WHERE id = $1`, id, participants); err != nil {
			return nil, fmt.Errorf("update participants: %w", err)
		}
		return tb, nil
	})
}

func (s *Store) CommitTiebreakerWin(ctx context.Context, id uuid.UUID, alloc *models.Allocation, discardBidIDs []uuid.UUID, at time.Time) (*models.Tiebreaker, error) {
	return sqlutil.RunValue(ctx, s.pool, func(tx pgx.Tx) (*models.Tiebreaker, error) {
		tb, err := lockPending(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := commitAllocation(ctx, tx, alloc, discardBidIDs); err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx, `
			UPDATE tiebreakers
			SET status = 'resolved', winner_team_id = $2, winning_amount = $3, resolved_at = $4
			WHERE id = $1`, id, alloc.TeamID, alloc.FinalAmount, at)
		if err != nil {
			return nil, fmt.Errorf("resolve tiebreaker: %w", err)
		}
		winner, amount := alloc.TeamID, alloc.FinalAmount
		tb.Status = models.TiebreakerStatusResolved
		tb.WinnerTeamID = &winner
		tb.WinningAmount = &amount
		tb.ResolvedAt = &at
		return tb, nil
	})
}

func (s *Store) EscalateTiebreaker(ctx context.Context, id uuid.UUID, next *models.Tiebreaker, discardBidIDs []uuid.UUID, at time.Time) (*models.Tiebreaker, error) {
	return sqlutil.RunValue(ctx, s.pool, func(tx pgx.Tx) (*models.Tiebreaker, error) {
		tb, err := lockPending(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		// Release the pending slot before the successor claims it.
		_, err = tx.Exec(ctx, `
			UPDATE tiebreakers SET status = 'resolved', next_id = $2, resolved_at = $3
			WHERE id = $1`, id, next.ID, at)
		if err != nil {
			return nil, fmt.Errorf("escalate tiebreaker: %w", err)
		}
		if err := insertTiebreaker(ctx, tx, next, discardBidIDs); err != nil {
			return nil, err
		}
		nextID := next.ID
		tb.Status = models.TiebreakerStatusResolved
		tb.NextID = &nextID
		tb.ResolvedAt = &at
		return tb, nil
	})
}

func (s *Store) ExcludeTiebreaker(ctx context.Context, id uuid.UUID, at time.Time) (*models.Tiebreaker, error) {
	return sqlutil.RunValue(ctx, s.pool, func(tx pgx.Tx) (*models.Tiebreaker, error) {
		tb, err := lockPending(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		ids := make([]uuid.UUID, 0, len(tb.Participants))
		for _, p := range tb.Participants {
			ids = append(ids, p.BidID)
		}
		if err := discardBids(ctx, tx, ids); err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx, `
			UPDATE tiebreakers SET status = 'excluded', resolved_at = $2 WHERE id = $1`, id, at)
		if err != nil {
			return nil, fmt.Errorf("exclude tiebreaker: %w", err)
		}
		tb.Status = models.TiebreakerStatusExcluded
		tb.ResolvedAt = &at
		return tb, nil
	})
}
