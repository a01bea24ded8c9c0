package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/sqlutil"
)

const roundColumns = `id, season_id, position, kind, max_bids_per_team, base_price, status,
	start_time, end_time, finalized_at, closing_started_at, player_pool, created_at, updated_at`

func scanRound(row pgx.Row) (*models.Round, error) {
	var (
		r              models.Round
		finalizedAt    pgtype.Timestamptz
		closingStarted pgtype.Timestamptz
		pool           []pgtype.UUID
	)
	err := row.Scan(&r.ID, &r.SeasonID, &r.Position, &r.Kind, &r.MaxBidsPerTeam, &r.BasePrice, &r.Status,
		&r.StartTime, &r.EndTime, &finalizedAt, &closingStarted, &pool, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.FinalizedAt = sqlutil.FromPgTime(finalizedAt)
	r.ClosingStartedAt = sqlutil.FromPgTime(closingStarted)
	r.PlayerPool = sqlutil.FromPgUUIDs(pool)
	r.StartTime, r.EndTime = r.StartTime.UTC(), r.EndTime.UTC()
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return &r, nil
}

func (s *Store) CreateRound(ctx context.Context, round *models.Round) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rounds (`+roundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		round.ID, round.SeasonID, round.Position, round.Kind, round.MaxBidsPerTeam, round.BasePrice, round.Status,
		round.StartTime, round.EndTime, sqlutil.ToPgTime(round.FinalizedAt), sqlutil.ToPgTime(round.ClosingStartedAt),
		sqlutil.ToPgUUIDs(round.PlayerPool), round.CreatedAt, round.UpdatedAt)
	if _, dup := constraintViolation(err); dup {
		return apperr.Wrapf(apperr.ErrInvalidConfig, "round %s already exists", round.ID)
	}
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (s *Store) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	return getRound(ctx, s.pool, id, "")
}

// getRound loads a round; lock is appended to the query (FOR UPDATE, FOR SHARE).
func getRound(ctx context.Context, q sqlutil.Querier, id uuid.UUID, lock string) (*models.Round, error) {
	r, err := scanRound(q.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1 `+lock, id))
	if err != nil {
		return nil, notFound(err, "round %s", id)
	}
	return r, nil
}

func (s *Store) ListRounds(ctx context.Context, seasonID uuid.UUID) ([]*models.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE season_id = $1 ORDER BY start_time, id`, seasonID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Round, error) {
		return scanRound(row)
	})
}

func (s *Store) ExtendRoundEnd(ctx context.Context, id uuid.UUID, newEnd time.Time) (*models.Round, error) {
	r, err := scanRound(s.pool.QueryRow(ctx, `
		UPDATE rounds SET end_time = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND end_time < $2
		RETURNING `+roundColumns, id, newEnd))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("extend round: %w", err)
	}

	current, err := s.GetRound(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.RoundStatusActive {
		return nil, apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is %s", id, current.Status)
	}
	return nil, apperr.Wrapf(apperr.ErrExtendTooShort, "end time must increase")
}

// TransitionRoundStatus moves a round to `to` only while its status is one of
// `from`. On a mismatch it returns the current round with ErrStatusConflict.
func (s *Store) TransitionRoundStatus(ctx context.Context, id uuid.UUID, from []models.RoundStatus, to models.RoundStatus, at time.Time) (*models.Round, error) {
	fromStatuses := make([]string, len(from))
	for i, st := range from {
		fromStatuses[i] = string(st)
	}

	r, err := scanRound(s.pool.QueryRow(ctx, `
		UPDATE rounds SET
			status = $3,
			updated_at = $4,
			closing_started_at = CASE WHEN $3 = 'closing' THEN $4 ELSE NULL END,
			finalized_at = CASE WHEN $3 IN ('completed', 'tiebreaker_pending') THEN COALESCE(finalized_at, $4) ELSE finalized_at END
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+roundColumns, id, fromStatuses, string(to), at))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition round: %w", err)
	}

	current, err := s.GetRound(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, apperr.Wrapf(apperr.ErrStatusConflict, "round %s is %s", id, current.Status)
}

func (s *Store) FetchNextDeadline(ctx context.Context) (*models.NextDeadline, error) {
	var (
		id  uuid.UUID
		end time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, end_time FROM rounds WHERE status = 'active' ORDER BY end_time LIMIT 1`).Scan(&id, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch next deadline: %w", err)
	}
	end = end.UTC()
	return &models.NextDeadline{RoundID: id, Deadline: &end}, nil
}

func (s *Store) FetchRoundsDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.roundIDs(ctx, `
		SELECT id FROM rounds
		WHERE (status = 'active' AND end_time <= $1) OR status = 'expired'
		ORDER BY end_time LIMIT $2`, now, limit)
}

func (s *Store) FetchStaleClosing(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	return s.roundIDs(ctx, `
		SELECT id FROM rounds
		WHERE status = 'closing' AND closing_started_at < $1
		ORDER BY closing_started_at LIMIT $2`, before, limit)
}

func (s *Store) roundIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch rounds: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (s *Store) ReverseRound(ctx context.Context, roundID uuid.UUID, entry *models.AuditEntry) (*models.RoundReversal, error) {
	return sqlutil.RunValue(ctx, s.pool, func(tx pgx.Tx) (*models.RoundReversal, error) {
		if _, err := getRound(ctx, tx, roundID, "FOR UPDATE"); err != nil {
			return nil, err
		}

		rev := &models.RoundReversal{}
		tag, err := tx.Exec(ctx,
			`UPDATE allocations SET reversed = TRUE WHERE round_id = $1 AND NOT reversed`, roundID)
		if err != nil {
			return nil, fmt.Errorf("reverse allocations: %w", err)
		}
		rev.Allocations = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `DELETE FROM bids WHERE round_id = $1 AND status = 'live'`, roundID)
		if err != nil {
			return nil, fmt.Errorf("release bids: %w", err)
		}
		rev.Bids = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `
			UPDATE tiebreakers SET status = 'cancelled', resolved_at = $2
			WHERE round_id = $1 AND status = 'pending'`, roundID, entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("cancel tiebreakers: %w", err)
		}
		rev.Tiebreakers = int(tag.RowsAffected())

		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_log (id, round_id, actor, action, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.ID, entry.RoundID, entry.Actor, entry.Action, entry.Detail, entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert audit entry: %w", err)
		}
		return rev, nil
	})
}

// AuditEntries returns the audit log of a round.
func (s *Store) AuditEntries(ctx context.Context, roundID uuid.UUID) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, round_id, actor, action, detail, created_at
		FROM audit_log WHERE round_id = $1 ORDER BY created_at`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditEntry, error) {
		var e models.AuditEntry
		err := row.Scan(&e.ID, &e.RoundID, &e.Actor, &e.Action, &e.Detail, &e.CreatedAt)
		return e, err
	})
}

// requireActive locks the round row against status changes for the rest of
// tx and fails unless the round is active.
func requireActive(ctx context.Context, tx pgx.Tx, roundID uuid.UUID) error {
	r, err := getRound(ctx, tx, roundID, "FOR SHARE")
	if err != nil {
		return err
	}
	if r.Status != models.RoundStatusActive {
		return apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is %s", roundID, r.Status)
	}
	return nil
}
