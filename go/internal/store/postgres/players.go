package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mcdev12/auctionhouse/go/internal/sqlutil"
)

// ListEligiblePlayers implements players.Directory over eligible_players.
func (s *Store) ListEligiblePlayers(ctx context.Context, seasonID uuid.UUID, position string) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT player_id FROM eligible_players
		WHERE season_id = $1 AND position = $2
		ORDER BY player_id`, seasonID, position)
	if err != nil {
		return nil, fmt.Errorf("list eligible players: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// AddEligiblePlayers registers players for a season and position. Existing
// entries are left alone.
func (s *Store) AddEligiblePlayers(ctx context.Context, seasonID uuid.UUID, position string, playerIDs ...uuid.UUID) error {
	if len(playerIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO eligible_players (season_id, position, player_id)
		SELECT $1, $2, unnest($3::uuid[])
		ON CONFLICT DO NOTHING`, seasonID, position, sqlutil.ToPgUUIDs(playerIDs))
	if err != nil {
		return fmt.Errorf("add eligible players: %w", err)
	}
	return nil
}
