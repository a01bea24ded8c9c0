package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// RoundKind defines how a round allocates players.
type RoundKind string

const (
	RoundKindNormal RoundKind = "normal"
	RoundKindBulk   RoundKind = "bulk"
)

// RoundStatus defines the lifecycle status of a round.
type RoundStatus string

const (
	RoundStatusActive            RoundStatus = "active"
	RoundStatusClosing           RoundStatus = "closing"
	RoundStatusTiebreakerPending RoundStatus = "tiebreaker_pending"
	RoundStatusCompleted         RoundStatus = "completed"
	RoundStatusExpired           RoundStatus = "expired"
	RoundStatusDeleted           RoundStatus = "deleted"
)

// Round is a time-boxed sealed-bid auction window for one position.
type Round struct {
	ID             uuid.UUID   `json:"id"`
	SeasonID       uuid.UUID   `json:"season_id"`
	Position       string      `json:"position"`
	Kind           RoundKind   `json:"kind"`
	MaxBidsPerTeam int         `json:"max_bids_per_team,omitempty"` // normal
	BasePrice      int64       `json:"base_price,omitempty"`        // bulk
	Status         RoundStatus `json:"status"`
	StartTime      time.Time   `json:"start_time"`
	EndTime        time.Time   `json:"end_time"`
	FinalizedAt    *time.Time  `json:"finalized_at,omitempty"`
	// ClosingStartedAt is set while a finalize pass owns the round.
	ClosingStartedAt *time.Time  `json:"closing_started_at,omitempty"`
	PlayerPool       []uuid.UUID `json:"player_pool"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// HasPlayer reports whether playerID was eligible when the round was created.
func (r *Round) HasPlayer(playerID uuid.UUID) bool {
	return slices.Contains(r.PlayerPool, playerID)
}

// AcceptsBids reports whether the round is open for bids or claims at now.
func (r *Round) AcceptsBids(now time.Time) bool {
	return r.Status == RoundStatusActive && now.Before(r.EndTime)
}

// IsFinalized reports whether a finalize pass already produced the round's outcome.
func (r *Round) IsFinalized() bool {
	return r.Status == RoundStatusCompleted || r.Status == RoundStatusTiebreakerPending
}

// NextDeadline is the earliest end time across active rounds.
type NextDeadline struct {
	RoundID  uuid.UUID  `json:"round_id"`
	Deadline *time.Time `json:"deadline"`
}
