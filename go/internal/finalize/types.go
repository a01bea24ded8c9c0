package finalize

import (
	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// Result is the outcome of one finalize pass, or of the earlier pass when
// AlreadyFinalized is set.
type Result struct {
	RoundID          uuid.UUID            `json:"round_id"`
	Status           models.RoundStatus   `json:"status"`
	Allocations      []*models.Allocation `json:"allocations"`
	Tiebreakers      []*models.Tiebreaker `json:"tiebreakers"`
	Failures         []PlayerFailure      `json:"failures,omitempty"`
	AlreadyFinalized bool                 `json:"already_finalized"`
}

// PlayerFailure is a player whose allocation stays pending after this pass.
type PlayerFailure struct {
	PlayerID uuid.UUID `json:"player_id"`
	TeamID   uuid.UUID `json:"team_id"`
	Reason   string    `json:"reason"`
	Err      error     `json:"-"`
}

// Plan is a dry run of the next finalize pass.
type Plan struct {
	RoundID uuid.UUID    `json:"round_id"`
	Winners []PlannedWin `json:"winners"`
	Ties    []PlannedTie `json:"ties"`
	Skipped []uuid.UUID  `json:"skipped,omitempty"`
}

// PlannedWin is a player with a unique top bid.
type PlannedWin struct {
	PlayerID uuid.UUID `json:"player_id"`
	TeamID   uuid.UUID `json:"team_id"`
	Amount   int64     `json:"amount"`
	BidCount int       `json:"bid_count"`
}

// PlannedTie is a player whose top bid is shared.
type PlannedTie struct {
	PlayerID uuid.UUID   `json:"player_id"`
	TeamIDs  []uuid.UUID `json:"team_ids"`
	Amount   int64       `json:"amount"`
}
