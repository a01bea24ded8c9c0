package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/sqlutil"
)

const bidColumns = `id, round_id, team_id, player_id, amount, reserved, status, created_at`

func scanBid(row pgx.Row) (*models.Bid, error) {
	var b models.Bid
	if err := row.Scan(&b.ID, &b.RoundID, &b.TeamID, &b.PlayerID, &b.Amount, &b.Reserved, &b.Status, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

func (s *Store) listBids(ctx context.Context, where string, args ...any) ([]*models.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Bid, error) {
		return scanBid(row)
	})
}

func (s *Store) GetBid(ctx context.Context, id uuid.UUID) (*models.Bid, error) {
	b, err := scanBid(s.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "bid %s", id)
	}
	return b, nil
}

func (s *Store) FindLiveBid(ctx context.Context, roundID, teamID, playerID uuid.UUID) (*models.Bid, error) {
	b, err := scanBid(s.pool.QueryRow(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE round_id = $1 AND team_id = $2 AND player_id = $3 AND status = 'live'`,
		roundID, teamID, playerID))
	if err != nil {
		return nil, notFound(err, "live bid for player %s", playerID)
	}
	return b, nil
}

func (s *Store) CountLiveBids(ctx context.Context, roundID, teamID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM bids WHERE round_id = $1 AND team_id = $2 AND status = 'live'`,
		roundID, teamID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live bids: %w", err)
	}
	return n, nil
}

func (s *Store) SumLiveReservations(ctx context.Context, teamID, excludeBidID uuid.UUID) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(reserved), 0)::BIGINT FROM bids
		WHERE team_id = $1 AND status = 'live' AND id <> $2`,
		teamID, excludeBidID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum reservations: %w", err)
	}
	return sum, nil
}

func insertBid(ctx context.Context, tx pgx.Tx, bid *models.Bid) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO bids (`+bidColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		bid.ID, bid.RoundID, bid.TeamID, bid.PlayerID, bid.Amount, bid.Reserved, bid.Status, bid.CreatedAt)
	if _, dup := constraintViolation(err); dup {
		return apperr.Wrapf(apperr.ErrDuplicateClaim, "team %s player %s", bid.TeamID, bid.PlayerID)
	}
	if err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}
	return nil
}

func (s *Store) InsertBid(ctx context.Context, bid *models.Bid) error {
	return sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		if err := requireActive(ctx, tx, bid.RoundID); err != nil {
			return err
		}
		return insertBid(ctx, tx, bid)
	})
}

func (s *Store) ReplaceBid(ctx context.Context, oldID uuid.UUID, bid *models.Bid) error {
	return sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		if err := requireActive(ctx, tx, bid.RoundID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM bids WHERE id = $1 AND status = 'live'`, oldID)
		if err != nil {
			return fmt.Errorf("delete replaced bid: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.Wrapf(apperr.ErrNotFound, "live bid %s", oldID)
		}
		return insertBid(ctx, tx, bid)
	})
}

func (s *Store) DeleteBid(ctx context.Context, id uuid.UUID) error {
	return sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		var roundID uuid.UUID
		err := tx.QueryRow(ctx, `SELECT round_id FROM bids WHERE id = $1 AND status = 'live'`, id).Scan(&roundID)
		if err != nil {
			return notFound(err, "live bid %s", id)
		}
		if err := requireActive(ctx, tx, roundID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM bids WHERE id = $1 AND status = 'live'`, id)
		if err != nil {
			return fmt.Errorf("delete bid: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.Wrapf(apperr.ErrNotFound, "live bid %s", id)
		}
		return nil
	})
}

func (s *Store) DiscardBids(ctx context.Context, ids []uuid.UUID) error {
	return discardBids(ctx, s.pool, ids)
}

func discardBids(ctx context.Context, q sqlutil.Querier, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, `
		UPDATE bids SET status = 'discarded' WHERE id = ANY($1) AND status = 'live'`,
		sqlutil.ToPgUUIDs(ids)); err != nil {
		return fmt.Errorf("discard bids: %w", err)
	}
	return nil
}

func (s *Store) ListLiveBids(ctx context.Context, roundID uuid.UUID) ([]*models.Bid, error) {
	return s.listBids(ctx, `round_id = $1 AND status = 'live'`, roundID)
}

func (s *Store) ListTeamBids(ctx context.Context, roundID, teamID uuid.UUID) ([]*models.Bid, error) {
	return s.listBids(ctx, `round_id = $1 AND team_id = $2`, roundID, teamID)
}

func (s *Store) ListPlayerLiveBids(ctx context.Context, roundID, playerID uuid.UUID) ([]*models.Bid, error) {
	return s.listBids(ctx, `round_id = $1 AND player_id = $2 AND status = 'live'`, roundID, playerID)
}
