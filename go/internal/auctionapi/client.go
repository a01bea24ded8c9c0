package auctionapi

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/mcdev12/auctionhouse/go/internal/bulk"
	"github.com/mcdev12/auctionhouse/go/internal/finalize"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/round"
)

// Client calls the AuctionService over HTTP.
type Client struct {
	httpClient connect.HTTPClient
	baseURL    string
	opts       []connect.ClientOption
}

// NewClient creates a client for the server at baseURL. A nil httpClient
// uses http.DefaultClient.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		opts:       append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...),
	}
}

func call[Req, Res any](ctx context.Context, c *Client, procedure string, req *Req) (*Res, error) {
	client := connect.NewClient[Req, Res](c.httpClient, c.baseURL+procedure, c.opts...)
	res, err := client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *Client) CreateRound(ctx context.Context, req *CreateRoundRequest) (*models.Round, error) {
	return call[CreateRoundRequest, models.Round](ctx, c, CreateRoundProcedure, req)
}

func (c *Client) GetRound(ctx context.Context, req *RoundRequest) (*models.Round, error) {
	return call[RoundRequest, models.Round](ctx, c, GetRoundProcedure, req)
}

func (c *Client) ListRounds(ctx context.Context, req *ListRoundsRequest) (*ListRoundsResponse, error) {
	return call[ListRoundsRequest, ListRoundsResponse](ctx, c, ListRoundsProcedure, req)
}

func (c *Client) ExtendTime(ctx context.Context, req *ExtendTimeRequest) (*models.Round, error) {
	return call[ExtendTimeRequest, models.Round](ctx, c, ExtendTimeProcedure, req)
}

func (c *Client) RequestFinalize(ctx context.Context, req *RoundRequest) (*finalize.Result, error) {
	return call[RoundRequest, finalize.Result](ctx, c, RequestFinalizeProcedure, req)
}

func (c *Client) PreviewFinalize(ctx context.Context, req *RoundRequest) (*finalize.Plan, error) {
	return call[RoundRequest, finalize.Plan](ctx, c, PreviewFinalizeProcedure, req)
}

func (c *Client) DeleteRound(ctx context.Context, req *DeleteRoundRequest) (*round.DeletionReport, error) {
	return call[DeleteRoundRequest, round.DeletionReport](ctx, c, DeleteRoundProcedure, req)
}

func (c *Client) PlaceBid(ctx context.Context, req *PlaceBidRequest) (*models.Bid, error) {
	return call[PlaceBidRequest, models.Bid](ctx, c, PlaceBidProcedure, req)
}

func (c *Client) CancelBid(ctx context.Context, req *CancelBidRequest) (*models.Bid, error) {
	return call[CancelBidRequest, models.Bid](ctx, c, CancelBidProcedure, req)
}

func (c *Client) ListTeamBids(ctx context.Context, req *ListTeamBidsRequest) (*ListTeamBidsResponse, error) {
	return call[ListTeamBidsRequest, ListTeamBidsResponse](ctx, c, ListTeamBidsProcedure, req)
}

func (c *Client) SubmitTiebreakerBid(ctx context.Context, req *SubmitTiebreakerBidRequest) (*models.Tiebreaker, error) {
	return call[SubmitTiebreakerBidRequest, models.Tiebreaker](ctx, c, SubmitTiebreakerBidProcedure, req)
}

func (c *Client) ResolveTiebreaker(ctx context.Context, req *ResolveTiebreakerRequest) (*ResolveTiebreakerResponse, error) {
	return call[ResolveTiebreakerRequest, ResolveTiebreakerResponse](ctx, c, ResolveTiebreakerProcedure, req)
}

func (c *Client) GetTiebreaker(ctx context.Context, req *GetTiebreakerRequest) (*GetTiebreakerResponse, error) {
	return call[GetTiebreakerRequest, GetTiebreakerResponse](ctx, c, GetTiebreakerProcedure, req)
}

func (c *Client) ListTiebreakers(ctx context.Context, req *ListTiebreakersRequest) (*ListTiebreakersResponse, error) {
	return call[ListTiebreakersRequest, ListTiebreakersResponse](ctx, c, ListTiebreakersProcedure, req)
}

func (c *Client) Claim(ctx context.Context, req *ClaimRequest) (*bulk.ClaimResult, error) {
	return call[ClaimRequest, bulk.ClaimResult](ctx, c, ClaimProcedure, req)
}
