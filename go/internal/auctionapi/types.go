package auctionapi

import (
	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/tiebreaker"
)

// ServiceName is the fully-qualified name of the auction service.
const ServiceName = "auction.v1.AuctionService"

// Procedure names.
const (
	CreateRoundProcedure         = "/" + ServiceName + "/CreateRound"
	GetRoundProcedure            = "/" + ServiceName + "/GetRound"
	ListRoundsProcedure          = "/" + ServiceName + "/ListRounds"
	ExtendTimeProcedure          = "/" + ServiceName + "/ExtendTime"
	RequestFinalizeProcedure     = "/" + ServiceName + "/RequestFinalize"
	PreviewFinalizeProcedure     = "/" + ServiceName + "/PreviewFinalize"
	DeleteRoundProcedure         = "/" + ServiceName + "/DeleteRound"
	PlaceBidProcedure            = "/" + ServiceName + "/PlaceBid"
	CancelBidProcedure           = "/" + ServiceName + "/CancelBid"
	ListTeamBidsProcedure        = "/" + ServiceName + "/ListTeamBids"
	SubmitTiebreakerBidProcedure = "/" + ServiceName + "/SubmitTiebreakerBid"
	ResolveTiebreakerProcedure   = "/" + ServiceName + "/ResolveTiebreaker"
	GetTiebreakerProcedure       = "/" + ServiceName + "/GetTiebreaker"
	ListTiebreakersProcedure     = "/" + ServiceName + "/ListTiebreakers"
	ClaimProcedure               = "/" + ServiceName + "/Claim"
)

type CreateRoundRequest struct {
	SeasonID        uuid.UUID        `json:"season_id"`
	Position        string           `json:"position"`
	Kind            models.RoundKind `json:"kind"`
	MaxBidsPerTeam  int              `json:"max_bids_per_team,omitempty"`
	BasePrice       int64            `json:"base_price,omitempty"`
	DurationMinutes int              `json:"duration_minutes"`
}

type RoundRequest struct {
	RoundID uuid.UUID `json:"round_id"`
}

type ListRoundsRequest struct {
	SeasonID uuid.UUID `json:"season_id"`
}

type ListRoundsResponse struct {
	Rounds []*models.Round `json:"rounds"`
}

type ExtendTimeRequest struct {
	RoundID uuid.UUID `json:"round_id"`
	Minutes int       `json:"minutes"`
}

type DeleteRoundRequest struct {
	RoundID uuid.UUID `json:"round_id"`
	// Actor is recorded in the audit log.
	Actor string `json:"actor"`
}

type PlaceBidRequest struct {
	TeamID   uuid.UUID `json:"team_id"`
	RoundID  uuid.UUID `json:"round_id"`
	PlayerID uuid.UUID `json:"player_id"`
	Amount   int64     `json:"amount"`
}

type CancelBidRequest struct {
	BidID  uuid.UUID `json:"bid_id"`
	TeamID uuid.UUID `json:"team_id"`
}

type ListTeamBidsRequest struct {
	RoundID uuid.UUID `json:"round_id"`
	TeamID  uuid.UUID `json:"team_id"`
}

type ListTeamBidsResponse struct {
	Bids []*models.Bid `json:"bids"`
}

type SubmitTiebreakerBidRequest struct {
	TiebreakerID uuid.UUID `json:"tiebreaker_id"`
	TeamID       uuid.UUID `json:"team_id"`
	Amount       int64     `json:"amount"`
}

type ResolveTiebreakerRequest struct {
	TiebreakerID uuid.UUID          `json:"tiebreaker_id"`
	Mode         models.ResolveMode `json:"mode"`
}

type GetTiebreakerRequest struct {
	TiebreakerID uuid.UUID `json:"tiebreaker_id"`
	// WithChain also returns every tiebreaker linked to this one, oldest first.
	WithChain bool `json:"with_chain,omitempty"`
}

type GetTiebreakerResponse struct {
	Tiebreaker *models.Tiebreaker   `json:"tiebreaker"`
	Chain      []*models.Tiebreaker `json:"chain,omitempty"`
}

// ListTiebreakersRequest filters by round or by participating team; exactly
// one must be set.
type ListTiebreakersRequest struct {
	RoundID uuid.UUID `json:"round_id,omitempty"`
	TeamID  uuid.UUID `json:"team_id,omitempty"`
}

type ListTiebreakersResponse struct {
	Tiebreakers []*models.Tiebreaker `json:"tiebreakers"`
}

type ClaimRequest struct {
	TeamID   uuid.UUID `json:"team_id"`
	RoundID  uuid.UUID `json:"round_id"`
	PlayerID uuid.UUID `json:"player_id"`
}

// ResolveTiebreakerResponse is the resolver's outcome.
type ResolveTiebreakerResponse = tiebreaker.Resolution
