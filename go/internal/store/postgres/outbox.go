package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/mcdev12/auctionhouse/go/internal/outbox"
	"github.com/mcdev12/auctionhouse/go/internal/sqlutil"
)

const outboxColumns = `id, round_id, event_type, version, payload, created_at, sent_at`

func scanOutboxEvent(row pgx.Row) (outbox.OutboxEvent, error) {
	var (
		ev      outbox.OutboxEvent
		version int64
		payload []byte
		sentAt  pgtype.Timestamptz
	)
	if err := row.Scan(&ev.ID, &ev.RoundID, &ev.EventType, &version, &payload, &ev.CreatedAt, &sentAt); err != nil {
		return outbox.OutboxEvent{}, err
	}
	ev.Version = uint64(version)
	ev.Payload = payload
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.SentAt = sqlutil.FromPgTime(sentAt)
	return ev, nil
}

// InsertOutboxEvent bumps the round's version counter, stores the row and
// wakes listeners on outbox.NotifyChannel, all in one transaction.
func (s *Store) InsertOutboxEvent(ctx context.Context, event outbox.OutboxEvent) (uint64, error) {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return sqlutil.RunValue(ctx, s.pool, func(tx pgx.Tx) (uint64, error) {
		var version int64
		err := tx.QueryRow(ctx, `
			INSERT INTO outbox_versions (round_id, version) VALUES ($1, 1)
			ON CONFLICT (round_id) DO UPDATE SET version = outbox_versions.version + 1
			RETURNING version`, event.RoundID).Scan(&version)
		if err != nil {
			return 0, fmt.Errorf("next outbox version: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO outbox (id, round_id, event_type, version, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			event.ID, event.RoundID, event.EventType, version, []byte(event.Payload), createdAt)
		if err != nil {
			return 0, fmt.Errorf("insert outbox event: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, outbox.NotifyChannel, event.RoundID.String()); err != nil {
			return 0, fmt.Errorf("notify outbox: %w", err)
		}
		return uint64(version), nil
	})
}

func (s *Store) FetchUnsentOutbox(ctx context.Context, limit int32) ([]outbox.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE sent_at IS NULL
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unsent outbox: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.OutboxEvent, error) {
		return scanOutboxEvent(row)
	})
}

func (s *Store) MarkOutboxSent(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE outbox SET sent_at = NOW() WHERE id = ANY($1) AND sent_at IS NULL`,
		sqlutil.ToPgUUIDs(ids)); err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

func (s *Store) FetchOutboxByID(ctx context.Context, id uuid.UUID) (*outbox.OutboxEvent, error) {
	ev, err := scanOutboxEvent(s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "outbox event %s", id)
	}
	return &ev, nil
}

func (s *Store) CountUnsentOutbox(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE sent_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsent outbox: %w", err)
	}
	return n, nil
}
