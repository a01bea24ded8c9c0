package models

import (
	"time"

	"github.com/google/uuid"
)

// Allocation is a committed player assignment. It is append-only; only an
// audited round deletion flips Reversed.
type Allocation struct {
	ID           uuid.UUID  `json:"id"`
	RoundID      uuid.UUID  `json:"round_id"`
	SeasonID     uuid.UUID  `json:"season_id"`
	PlayerID     uuid.UUID  `json:"player_id"`
	TeamID       uuid.UUID  `json:"team_id"`
	FinalAmount  int64      `json:"final_amount"`
	BidID        uuid.UUID  `json:"bid_id"`
	TiebreakerID *uuid.UUID `json:"tiebreaker_id,omitempty"`
	Reversed     bool       `json:"reversed"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AuditEntry records a destructive administrative action.
type AuditEntry struct {
	ID        uuid.UUID `json:"id"`
	RoundID   uuid.UUID `json:"round_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// RoundReversal counts what deleting a round undid.
type RoundReversal struct {
	Allocations int `json:"allocations"`
	Bids        int `json:"bids"`
	Tiebreakers int `json:"tiebreakers"`
}
