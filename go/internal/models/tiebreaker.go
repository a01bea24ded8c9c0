package models

import (
	"time"

	"github.com/google/uuid"
)

// TiebreakerKind separates ranked-bid ties from bulk claim collisions.
type TiebreakerKind string

const (
	TiebreakerKindNormal TiebreakerKind = "normal"
	TiebreakerKindBulk   TiebreakerKind = "bulk"
)

// TiebreakerStatus defines the status of a tiebreaker.
type TiebreakerStatus string

const (
	TiebreakerStatusPending  TiebreakerStatus = "pending"
	TiebreakerStatusResolved TiebreakerStatus = "resolved"
	// TiebreakerStatusExcluded means an admin resolved it with no winner.
	TiebreakerStatusExcluded TiebreakerStatus = "excluded"
	// TiebreakerStatusCancelled marks pending tiebreakers of a deleted round.
	TiebreakerStatusCancelled TiebreakerStatus = "cancelled"
)

// ResolveMode selects how a tiebreaker is resolved.
type ResolveMode string

const (
	ResolveModeAuto    ResolveMode = "auto"
	ResolveModeManual  ResolveMode = "manual"
	ResolveModeExclude ResolveMode = "exclude"
)

// TiebreakerParticipant is one tied team inside a tiebreaker.
type TiebreakerParticipant struct {
	TeamID      uuid.UUID `json:"team_id"`
	BidID       uuid.UUID `json:"bid_id"`
	OriginalBid int64     `json:"original_bid"`
	NewBid      *int64    `json:"new_bid,omitempty"`
	Submitted   bool      `json:"submitted"`
}

// EffectiveBid is the submitted bid, or the original bid for teams that did not submit.
func (p TiebreakerParticipant) EffectiveBid() int64 {
	if p.Submitted && p.NewBid != nil {
		return *p.NewBid
	}
	return p.OriginalBid
}

// Tiebreaker is a sub-auction for one contested player among the teams tied at the top.
// Escalations form a chain through PreviousID/NextID.
type Tiebreaker struct {
	ID             uuid.UUID               `json:"id"`
	RoundID        uuid.UUID               `json:"round_id"`
	PlayerID       uuid.UUID               `json:"player_id"`
	Kind           TiebreakerKind          `json:"kind"`
	OriginalAmount int64                   `json:"original_amount"`
	Status         TiebreakerStatus        `json:"status"`
	Participants   []TiebreakerParticipant `json:"participants"`
	PreviousID     *uuid.UUID              `json:"previous_id,omitempty"`
	NextID         *uuid.UUID              `json:"next_id,omitempty"`
	WinnerTeamID   *uuid.UUID              `json:"winner_team_id,omitempty"`
	WinningAmount  *int64                  `json:"winning_amount,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	ResolvedAt     *time.Time              `json:"resolved_at,omitempty"`
}

// Participant returns the participant entry for teamID.
func (t *Tiebreaker) Participant(teamID uuid.UUID) (*TiebreakerParticipant, bool) {
	for i := range t.Participants {
		if t.Participants[i].TeamID == teamID {
			return &t.Participants[i], true
		}
	}
	return nil, false
}

// AllSubmitted reports whether every participant submitted a new bid.
func (t *Tiebreaker) AllSubmitted() bool {
	for _, p := range t.Participants {
		if !p.Submitted {
			return false
		}
	}
	return true
}

// IsPending reports whether the tiebreaker still blocks its round.
func (t *Tiebreaker) IsPending() bool {
	return t.Status == TiebreakerStatusPending
}
