// Package auctionapi exposes the auction apps as connect unary procedures.
// Messages are plain Go structs carried by a JSON codec.
package auctionapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/bulk"
	"github.com/mcdev12/auctionhouse/go/internal/finalize"
	"github.com/mcdev12/auctionhouse/go/internal/ledger"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/round"
	"github.com/mcdev12/auctionhouse/go/internal/tiebreaker"
	"github.com/rs/zerolog/log"
)

// RoundApp defines what the service layer needs from the round application
type RoundApp interface {
	CreateRound(ctx context.Context, req round.CreateRoundRequest) (*models.Round, error)
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	ListRounds(ctx context.Context, seasonID uuid.UUID) ([]*models.Round, error)
	ExtendTime(ctx context.Context, id uuid.UUID, minutes int) (*models.Round, error)
	RequestFinalize(ctx context.Context, id uuid.UUID) (*finalize.Result, error)
	PreviewFinalize(ctx context.Context, id uuid.UUID) (*finalize.Plan, error)
	DeleteRound(ctx context.Context, id uuid.UUID, actor string) (*round.DeletionReport, error)
}

// BidApp defines what the service layer needs from the bid ledger
type BidApp interface {
	PlaceBid(ctx context.Context, req ledger.PlaceBidRequest) (*models.Bid, error)
	CancelBid(ctx context.Context, bidID, teamID uuid.UUID) (*models.Bid, error)
	ListTeamBids(ctx context.Context, roundID, teamID uuid.UUID) ([]*models.Bid, error)
}

// TiebreakerApp defines what the service layer needs from the tiebreaker resolver
type TiebreakerApp interface {
	GetTiebreaker(ctx context.Context, id uuid.UUID) (*models.Tiebreaker, error)
	ListForRound(ctx context.Context, roundID uuid.UUID) ([]*models.Tiebreaker, error)
	ListForTeam(ctx context.Context, teamID uuid.UUID) ([]*models.Tiebreaker, error)
	Chain(ctx context.Context, id uuid.UUID) ([]*models.Tiebreaker, error)
	SubmitBid(ctx context.Context, id, teamID uuid.UUID, amount int64) (*models.Tiebreaker, error)
	Resolve(ctx context.Context, id uuid.UUID, mode models.ResolveMode) (*tiebreaker.Resolution, error)
}

// ClaimApp defines what the service layer needs from the bulk allocator
type ClaimApp interface {
	Claim(ctx context.Context, teamID, roundID, playerID uuid.UUID) (*bulk.ClaimResult, error)
}

// Service implements the AuctionService procedures
type Service struct {
	rounds      RoundApp
	bids        BidApp
	tiebreakers TiebreakerApp
	claims      ClaimApp
}

// NewService creates a new auction service
func NewService(rounds RoundApp, bids BidApp, tiebreakers TiebreakerApp, claims ClaimApp) *Service {
	return &Service{
		rounds:      rounds,
		bids:        bids,
		tiebreakers: tiebreakers,
		claims:      claims,
	}
}

// NewHandler builds the HTTP handler for every procedure and returns the
// path to mount it on.
func NewHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(logInterceptor()),
	}, opts...)

	mux := http.NewServeMux()
	handle(mux, CreateRoundProcedure, svc.CreateRound, opts)
	handle(mux, GetRoundProcedure, svc.GetRound, opts)
	handle(mux, ListRoundsProcedure, svc.ListRounds, opts)
	handle(mux, ExtendTimeProcedure, svc.ExtendTime, opts)
	handle(mux, RequestFinalizeProcedure, svc.RequestFinalize, opts)
	handle(mux, PreviewFinalizeProcedure, svc.PreviewFinalize, opts)
	handle(mux, DeleteRoundProcedure, svc.DeleteRound, opts)
	handle(mux, PlaceBidProcedure, svc.PlaceBid, opts)
	handle(mux, CancelBidProcedure, svc.CancelBid, opts)
	handle(mux, ListTeamBidsProcedure, svc.ListTeamBids, opts)
	handle(mux, SubmitTiebreakerBidProcedure, svc.SubmitTiebreakerBid, opts)
	handle(mux, ResolveTiebreakerProcedure, svc.ResolveTiebreaker, opts)
	handle(mux, GetTiebreakerProcedure, svc.GetTiebreaker, opts)
	handle(mux, ListTiebreakersProcedure, svc.ListTiebreakers, opts)
	handle(mux, ClaimProcedure, svc.Claim, opts)
	return "/" + ServiceName + "/", mux
}

func handle[Req, Res any](mux *http.ServeMux, procedure string, fn func(context.Context, *Req) (*Res, error), opts []connect.HandlerOption) {
	mux.Handle(procedure, connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			res, err := fn(ctx, req.Msg)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(res), nil
		}, opts...))
}

func logInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)
			evt := log.Debug()
			if err != nil {
				evt = log.Warn().Err(err).Str("code", connect.CodeOf(err).String())
			}
			evt.Str("procedure", req.Spec().Procedure).
				Dur("duration", time.Since(start)).
				Msg("handled auction call")
			return res, err
		}
	}
}

// CreateRound opens a new round
func (s *Service) CreateRound(ctx context.Context, req *CreateRoundRequest) (*models.Round, error) {
	return s.rounds.CreateRound(ctx, round.CreateRoundRequest{
		SeasonID:       req.SeasonID,
		Position:       req.Position,
		Kind:           req.Kind,
		MaxBidsPerTeam: req.MaxBidsPerTeam,
		BasePrice:      req.BasePrice,
		Duration:       time.Duration(req.DurationMinutes) * time.Minute,
	})
}

// GetRound retrieves a round by ID
func (s *Service) GetRound(ctx context.Context, req *RoundRequest) (*models.Round, error) {
	return s.rounds.GetRound(ctx, req.RoundID)
}

// ListRounds lists the rounds of a season
func (s *Service) ListRounds(ctx context.Context, req *ListRoundsRequest) (*ListRoundsResponse, error) {
	rounds, err := s.rounds.ListRounds(ctx, req.SeasonID)
	if err != nil {
		return nil, err
	}
	return &ListRoundsResponse{Rounds: rounds}, nil
}

// ExtendTime pushes an active round's deadline back
func (s *Service) ExtendTime(ctx context.Context, req *ExtendTimeRequest) (*models.Round, error) {
	return s.rounds.ExtendTime(ctx, req.RoundID, req.Minutes)
}

// RequestFinalize runs a finalize pass now. A round that was already
// finalized answers with its prior result, flagged AlreadyFinalized.
func (s *Service) RequestFinalize(ctx context.Context, req *RoundRequest) (*finalize.Result, error) {
	res, err := s.rounds.RequestFinalize(ctx, req.RoundID)
	if errors.Is(err, apperr.ErrRoundAlreadyFinalized) && res != nil {
		return res, nil
	}
	return res, err
}

// PreviewFinalize reports what a finalize pass would do without committing
func (s *Service) PreviewFinalize(ctx context.Context, req *RoundRequest) (*finalize.Plan, error) {
	return s.rounds.PreviewFinalize(ctx, req.RoundID)
}

// DeleteRound reverses and deletes a round
func (s *Service) DeleteRound(ctx context.Context, req *DeleteRoundRequest) (*round.DeletionReport, error) {
	if req.Actor == "" {
		return nil, invalidArgument("actor is required")
	}
	return s.rounds.DeleteRound(ctx, req.RoundID, req.Actor)
}

// PlaceBid places or replaces a team's sealed bid
func (s *Service) PlaceBid(ctx context.Context, req *PlaceBidRequest) (*models.Bid, error) {
	return s.bids.PlaceBid(ctx, ledger.PlaceBidRequest{
		TeamID:   req.TeamID,
		RoundID:  req.RoundID,
		PlayerID: req.PlayerID,
		Amount:   req.Amount,
	})
}

// CancelBid withdraws a live bid
func (s *Service) CancelBid(ctx context.Context, req *CancelBidRequest) (*models.Bid, error) {
	return s.bids.CancelBid(ctx, req.BidID, req.TeamID)
}

// ListTeamBids lists a team's bids in a round
func (s *Service) ListTeamBids(ctx context.Context, req *ListTeamBidsRequest) (*ListTeamBidsResponse, error) {
	bids, err := s.bids.ListTeamBids(ctx, req.RoundID, req.TeamID)
	if err != nil {
		return nil, err
	}
	return &ListTeamBidsResponse{Bids: bids}, nil
}

// SubmitTiebreakerBid records a participant's new bid
func (s *Service) SubmitTiebreakerBid(ctx context.Context, req *SubmitTiebreakerBidRequest) (*models.Tiebreaker, error) {
	return s.tiebreakers.SubmitBid(ctx, req.TiebreakerID, req.TeamID, req.Amount)
}

// ResolveTiebreaker resolves a pending tiebreaker
func (s *Service) ResolveTiebreaker(ctx context.Context, req *ResolveTiebreakerRequest) (*ResolveTiebreakerResponse, error) {
	mode := req.Mode
	if mode == "" {
		mode = models.ResolveModeAuto
	}
	return s.tiebreakers.Resolve(ctx, req.TiebreakerID, mode)
}

// GetTiebreaker retrieves a tiebreaker, optionally with its chain
func (s *Service) GetTiebreaker(ctx context.Context, req *GetTiebreakerRequest) (*GetTiebreakerResponse, error) {
	tb, err := s.tiebreakers.GetTiebreaker(ctx, req.TiebreakerID)
	if err != nil {
		return nil, err
	}
	res := &GetTiebreakerResponse{Tiebreaker: tb}
	if req.WithChain {
		if res.Chain, err = s.tiebreakers.Chain(ctx, req.TiebreakerID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ListTiebreakers lists tiebreakers of a round or of a team
func (s *Service) ListTiebreakers(ctx context.Context, req *ListTiebreakersRequest) (*ListTiebreakersResponse, error) {
	var (
		tbs []*models.Tiebreaker
		err error
	)
	switch {
	case req.RoundID != uuid.Nil && req.TeamID != uuid.Nil:
		return nil, invalidArgument("set round_id or team_id, not both")
	case req.RoundID != uuid.Nil:
		tbs, err = s.tiebreakers.ListForRound(ctx, req.RoundID)
	case req.TeamID != uuid.Nil:
		tbs, err = s.tiebreakers.ListForTeam(ctx, req.TeamID)
	default:
		return nil, invalidArgument("round_id or team_id is required")
	}
	if err != nil {
		return nil, err
	}
	return &ListTiebreakersResponse{Tiebreakers: tbs}, nil
}

// Claim buys a player from a bulk round at its base price
func (s *Service) Claim(ctx context.Context, req *ClaimRequest) (*bulk.ClaimResult, error) {
	return s.claims.Claim(ctx, req.TeamID, req.RoundID, req.PlayerID)
}
