package events

import (
	"time"
)

// Event payload types shared between the apps, the outbox relay and the gateway.

// RoundCreatedPayload is the payload for a round_created event
type RoundCreatedPayload struct {
	RoundID        string    `json:"round_id"`
	SeasonID       string    `json:"season_id"`
	Position       string    `json:"position"`
	Kind           string    `json:"kind"`
	MaxBidsPerTeam int       `json:"max_bids_per_team,omitempty"`
	BasePrice      int64     `json:"base_price,omitempty"`
	PlayerCount    int       `json:"player_count"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
}

// RoundStatusChangedPayload is the payload for a round_status_changed event
type RoundStatusChangedPayload struct {
	RoundID   string    `json:"round_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	ChangedAt time.Time `json:"changed_at"`
	Actor     string    `json:"actor,omitempty"`
}

// RoundTimeExtendedPayload is the payload for a round_time_extended event
type RoundTimeExtendedPayload struct {
	RoundID      string    `json:"round_id"`
	PreviousEnd  time.Time `json:"previous_end"`
	NewEnd       time.Time `json:"new_end"`
	AddedMinutes int       `json:"added_minutes"`
}

// RoundFinalizedPayload is the payload for a round_finalized event
type RoundFinalizedPayload struct {
	RoundID     string    `json:"round_id"`
	FinalizedAt time.Time `json:"finalized_at"`
	Allocations int       `json:"allocations"`
	Tiebreakers int       `json:"tiebreakers"`
}

// BidPayload is the payload for bid_placed and bid_cancelled events. Amounts
// stay private until the round closes, so only identities are carried.
type BidPayload struct {
	BidID    string `json:"bid_id"`
	TeamID   string `json:"team_id"`
	PlayerID string `json:"player_id"`
	Replaced string `json:"replaced_bid_id,omitempty"`
}

// PlayerAllocatedPayload is the payload for a player_allocated event
type PlayerAllocatedPayload struct {
	AllocationID string `json:"allocation_id"`
	PlayerID     string `json:"player_id"`
	TeamID       string `json:"team_id"`
	Amount       int64  `json:"amount"`
	TiebreakerID string `json:"tiebreaker_id,omitempty"`
}

// TiebreakerPayload is the payload for tiebreaker_created and tiebreaker_updated events
type TiebreakerPayload struct {
	TiebreakerID   string   `json:"tiebreaker_id"`
	PlayerID       string   `json:"player_id"`
	Kind           string   `json:"kind"`
	OriginalAmount int64    `json:"original_amount"`
	TeamIDs        []string `json:"team_ids"`
	Submitted      int      `json:"submitted"`
	PreviousID     string   `json:"previous_id,omitempty"`
}

// TiebreakerResolvedPayload is the payload for a tiebreaker_resolved event
type TiebreakerResolvedPayload struct {
	TiebreakerID  string `json:"tiebreaker_id"`
	PlayerID      string `json:"player_id"`
	Mode          string `json:"mode"`
	Outcome       string `json:"outcome"`
	WinnerTeamID  string `json:"winner_team_id,omitempty"`
	WinningAmount int64  `json:"winning_amount,omitempty"`
	NextID        string `json:"next_tiebreaker_id,omitempty"`
}
