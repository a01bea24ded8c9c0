package tiebreaker

import (
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// Outcome names how a resolve call ended.
type Outcome string

const (
	OutcomeWon       Outcome = "won"
	OutcomeEscalated Outcome = "escalated"
	OutcomeExcluded  Outcome = "excluded"
)

// Resolution is the result of resolving one tiebreaker
type Resolution struct {
	Tiebreaker  *models.Tiebreaker `json:"tiebreaker"`
	Outcome     Outcome            `json:"outcome"`
	Allocation  *models.Allocation `json:"allocation,omitempty"`
	Next        *models.Tiebreaker `json:"next,omitempty"`
	RoundStatus models.RoundStatus `json:"round_status"`
}
