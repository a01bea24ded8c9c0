package models

import (
	"time"

	"github.com/google/uuid"
)

// BidStatus defines whether a bid still holds a budget reservation.
type BidStatus string

const (
	BidStatusLive      BidStatus = "live"
	BidStatusWon       BidStatus = "won"
	BidStatusDiscarded BidStatus = "discarded"
)

// Bid is one team's private offer for one player within one round.
// Amount is immutable; Reserved is the budget currently held for the bid and
// only grows when the team raises inside a tiebreaker.
type Bid struct {
	ID        uuid.UUID `json:"id"`
	RoundID   uuid.UUID `json:"round_id"`
	TeamID    uuid.UUID `json:"team_id"`
	PlayerID  uuid.UUID `json:"player_id"`
	Amount    int64     `json:"amount"`
	Reserved  int64     `json:"reserved"`
	Status    BidStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// IsLive reports whether the bid still reserves budget.
func (b *Bid) IsLive() bool {
	return b.Status == BidStatusLive
}
