package round

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// CreateRoundRequest represents a request to open a new round
type CreateRoundRequest struct {
	SeasonID       uuid.UUID        `json:"season_id"`
	Position       string           `json:"position"`
	Kind           models.RoundKind `json:"kind"`
	MaxBidsPerTeam int              `json:"max_bids_per_team"`
	BasePrice      int64            `json:"base_price"`
	Duration       time.Duration    `json:"duration"`
}

// DeletionReport summarizes what deleting a round reversed
type DeletionReport struct {
	Round                *models.Round `json:"round"`
	ReversedAllocations  int           `json:"reversed_allocations"`
	CreditedAmount       int64         `json:"credited_amount"`
	ReleasedBids         int           `json:"released_bids"`
	CancelledTiebreakers int           `json:"cancelled_tiebreakers"`
}

// Config holds round lifecycle limits
type Config struct {
	MinExtendMinutes int
	// LockTimeout bounds how long stale-closing recovery waits for a round.
	LockTimeout time.Duration
}

// DefaultConfig returns the default lifecycle limits
func DefaultConfig() Config {
	return Config{
		MinExtendMinutes: 5,
		LockTimeout:      2 * time.Second,
	}
}
