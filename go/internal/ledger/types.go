package ledger

import (
	"github.com/google/uuid"
)

// PlaceBidRequest represents a team's bid for one player in a round
type PlaceBidRequest struct {
	TeamID   uuid.UUID `json:"team_id"`
	RoundID  uuid.UUID `json:"round_id"`
	PlayerID uuid.UUID `json:"player_id"`
	Amount   int64     `json:"amount"`
}
