package tiebreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/budget"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/mcdev12/auctionhouse/go/internal/finalize"
	"github.com/mcdev12/auctionhouse/go/internal/locker"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/rs/zerolog/log"
)

// TiebreakerRepository defines what the resolver needs from the store
type TiebreakerRepository interface {
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	TransitionRoundStatus(ctx context.Context, id uuid.UUID, from []models.RoundStatus, to models.RoundStatus, at time.Time) (*models.Round, error)
	GetTiebreaker(ctx context.Context, id uuid.UUID) (*models.Tiebreaker, error)
	ListTiebreakers(ctx context.Context, roundID uuid.UUID) ([]*models.Tiebreaker, error)
	ListTeamTiebreakers(ctx context.Context, teamID uuid.UUID) ([]*models.Tiebreaker, error)
	CountPendingTiebreakers(ctx context.Context, roundID uuid.UUID) (int, error)
	ListAllocations(ctx context.Context, roundID uuid.UUID) ([]*models.Allocation, error)
	// SubmitTiebreakerBid records a participant's raise and the bid's new
	// reservation atomically. apperr.ErrAlreadySubmitted if it lost a race.
	SubmitTiebreakerBid(ctx context.Context, id, teamID uuid.UUID, amount int64) (*models.Tiebreaker, error)
	// CommitTiebreakerWin resolves a pending tiebreaker and commits its
	// allocation atomically. apperr.ErrTiebreakerResolved if it is not pending.
	CommitTiebreakerWin(ctx context.Context, id uuid.UUID, alloc *models.Allocation, discardBidIDs []uuid.UUID, at time.Time) (*models.Tiebreaker, error)
	// EscalateTiebreaker resolves a pending tiebreaker into its successor.
	EscalateTiebreaker(ctx context.Context, id uuid.UUID, next *models.Tiebreaker, discardBidIDs []uuid.UUID, at time.Time) (*models.Tiebreaker, error)
	// ExcludeTiebreaker closes a pending tiebreaker without a winner and
	// discards every participant's bid.
	ExcludeTiebreaker(ctx context.Context, id uuid.UUID, at time.Time) (*models.Tiebreaker, error)
}

// BudgetView reports a team's spendable budget net of reservations
type BudgetView interface {
	AvailableBudget(ctx context.Context, teamID, excludeBidID uuid.UUID) (int64, error)
}

// Metrics receives resolver outcomes
type Metrics interface {
	RecordAllocation(source string)
	RecordTiebreaker(kind string)
	RecordResolution(outcome string)
}

// App runs tiebreaker sub-auctions
type App struct {
	repo        TiebreakerRepository
	budget      budget.Service
	view        BudgetView
	locks       locker.Locker
	clock       clockwork.Clock
	emit        *events.Emitter
	metrics     Metrics
	autoResolve bool
}

// NewApp creates a new tiebreaker App. With autoResolve set, the last
// participant's submission resolves the tiebreaker in auto mode.
func NewApp(repo TiebreakerRepository, budgetSvc budget.Service, view BudgetView, locks locker.Locker,
	clock clockwork.Clock, pub events.Publisher, metrics Metrics, autoResolve bool) *App {
	return &App{
		repo:        repo,
		budget:      budgetSvc,
		view:        view,
		locks:       locks,
		clock:       clock,
		emit:        events.NewEmitter(pub),
		metrics:     metrics,
		autoResolve: autoResolve,
	}
}

// GetTiebreaker retrieves a tiebreaker by ID
func (a *App) GetTiebreaker(ctx context.Context, id uuid.UUID) (*models.Tiebreaker, error) {
	tb, err := a.repo.GetTiebreaker(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiebreaker: %w", err)
	}
	return tb, nil
}

// ListForRound lists every tiebreaker of a round, resolved ones included
func (a *App) ListForRound(ctx context.Context, roundID uuid.UUID) ([]*models.Tiebreaker, error) {
	tbs, err := a.repo.ListTiebreakers(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiebreakers: %w", err)
	}
	return tbs, nil
}

// ListForTeam lists the tiebreakers a team takes part in
func (a *App) ListForTeam(ctx context.Context, teamID uuid.UUID) ([]*models.Tiebreaker, error) {
	tbs, err := a.repo.ListTeamTiebreakers(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team tiebreakers: %w", err)
	}
	return tbs, nil
}

// Chain returns the escalation chain containing id, oldest first.
func (a *App) Chain(ctx context.Context, id uuid.UUID) ([]*models.Tiebreaker, error) {
	tb, err := a.repo.GetTiebreaker(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiebreaker: %w", err)
	}
	for tb.PreviousID != nil {
		if tb, err = a.repo.GetTiebreaker(ctx, *tb.PreviousID); err != nil {
			return nil, fmt.Errorf("failed to walk tiebreaker chain: %w", err)
		}
	}

	chain := []*models.Tiebreaker{tb}
	for tb.NextID != nil {
		if tb, err = a.repo.GetTiebreaker(ctx, *tb.NextID); err != nil {
			return nil, fmt.Errorf("failed to walk tiebreaker chain: %w", err)
		}
		chain = append(chain, tb)
	}
	return chain, nil
}

// SubmitBid records a participant's raised bid. Each participant submits once
// and never below the tiebreaker floor.
func (a *App) SubmitBid(ctx context.Context, id, teamID uuid.UUID, amount int64) (*models.Tiebreaker, error) {
	tb, err := a.repo.GetTiebreaker(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiebreaker: %w", err)
	}
	if !tb.IsPending() {
		return nil, apperr.Wrapf(apperr.ErrTiebreakerResolved, "tiebreaker %s is %s", id, tb.Status)
	}
	participant, ok := tb.Participant(teamID)
	if !ok {
		return nil, apperr.Wrapf(apperr.ErrNotAParticipant, "team %s", teamID)
	}
	if participant.Submitted {
		return nil, apperr.Wrapf(apperr.ErrAlreadySubmitted, "team %s", teamID)
	}
	if amount < tb.OriginalAmount {
		return nil, apperr.Wrapf(apperr.ErrBidBelowFloor, "bid %d is below floor %d", amount, tb.OriginalAmount)
	}

	updated, err := a.submit(ctx, tb, participant, amount)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("tiebreaker_id", id.String()).
		Str("team_id", teamID.String()).
		Msg("tiebreaker bid submitted")

	a.emit.Emit(ctx, events.TypeTiebreakerUpdated, updated.RoundID, a.clock.Now(), finalize.TiebreakerPayload(updated),
		events.WithTiebreaker(updated.ID), events.WithPlayer(updated.PlayerID), events.WithTeam(teamID))

	if a.autoResolve && updated.AllSubmitted() {
		if _, err := a.Resolve(ctx, id, models.ResolveModeAuto); err != nil && !errors.Is(err, apperr.ErrTiebreakerResolved) {
			log.Error().Err(err).Str("tiebreaker_id", id.String()).Msg("auto resolve failed")
		}
		if fresh, err := a.repo.GetTiebreaker(ctx, id); err == nil {
			updated = fresh
		}
	}
	return updated, nil
}

func (a *App) submit(ctx context.Context, tb *models.Tiebreaker, participant *models.TiebreakerParticipant, amount int64) (*models.Tiebreaker, error) {
	unlock, err := a.locks.Lock(ctx, locker.TeamKey(participant.TeamID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock team budget: %w", err)
	}
	defer unlock()

	available, err := a.view.AvailableBudget(ctx, participant.TeamID, participant.BidID)
	if err != nil {
		return nil, err
	}
	if amount > available {
		return nil, apperr.Wrapf(apperr.ErrInsufficientBudget, "bid %d exceeds available %d", amount, available)
	}

	updated, err := a.repo.SubmitTiebreakerBid(ctx, tb.ID, participant.TeamID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to submit tiebreaker bid: %w", err)
	}
	return updated, nil
}

// Resolve settles a pending tiebreaker. auto needs every participant to have
// submitted; manual treats missing submissions as the original bid; exclude
// ends it with no winner. A unique top effective bid wins the player; a tie
// at the top opens a successor among the tied teams with the floor raised.
func (a *App) Resolve(ctx context.Context, id uuid.UUID, mode models.ResolveMode) (*Resolution, error) {
	switch mode {
	case models.ResolveModeAuto, models.ResolveModeManual, models.ResolveModeExclude:
	default:
		return nil, apperr.Wrapf(apperr.ErrInvalidResolveMode, "%q", mode)
	}

	tb, err := a.repo.GetTiebreaker(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiebreaker: %w", err)
	}

	unlock, err := a.locks.Lock(ctx, locker.RoundKey(tb.RoundID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock round: %w", err)
	}
	defer unlock()

	// Re-read under the round section; another resolver may have finished.
	if tb, err = a.repo.GetTiebreaker(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to get tiebreaker: %w", err)
	}
	if !tb.IsPending() {
		return nil, apperr.Wrapf(apperr.ErrTiebreakerResolved, "tiebreaker %s is %s", id, tb.Status)
	}
	round, err := a.repo.GetRound(ctx, tb.RoundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if round.Status == models.RoundStatusDeleted {
		return nil, apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is deleted", round.ID)
	}

	var res *Resolution
	switch {
	case mode == models.ResolveModeExclude:
		res, err = a.exclude(ctx, tb)
	case mode == models.ResolveModeAuto && !tb.AllSubmitted():
		return nil, apperr.Wrapf(apperr.ErrTiebreakerIncomplete, "tiebreaker %s", id)
	default:
		res, err = a.decide(ctx, round, tb, mode)
	}
	if err != nil {
		return nil, err
	}

	if a.metrics != nil {
		a.metrics.RecordResolution(string(res.Outcome))
	}
	res.RoundStatus, err = a.completeRoundIfDone(ctx, round)
	if err != nil {
		return res, err
	}
	return res, nil
}

// decide compares effective bids and either commits the winner or escalates.
func (a *App) decide(ctx context.Context, round *models.Round, tb *models.Tiebreaker, mode models.ResolveMode) (*Resolution, error) {
	top, rest, highest := rankParticipants(tb.Participants)
	if len(top) == 1 {
		return a.commitWinner(ctx, round, tb, top[0], rest, mode)
	}
	return a.escalate(ctx, tb, top, rest, highest, mode)
}

func (a *App) commitWinner(ctx context.Context, round *models.Round, tb *models.Tiebreaker, winner models.TiebreakerParticipant,
	losers []models.TiebreakerParticipant, mode models.ResolveMode) (*Resolution, error) {
	unlock, err := a.locks.Lock(ctx, locker.PlayerKey(round.SeasonID, tb.PlayerID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock player: %w", err)
	}
	defer unlock()

	now := a.clock.Now()
	amount := winner.EffectiveBid()
	tbID := tb.ID
	alloc := &models.Allocation{
		ID:           uuid.New(),
		RoundID:      round.ID,
		SeasonID:     round.SeasonID,
		PlayerID:     tb.PlayerID,
		TeamID:       winner.TeamID,
		FinalAmount:  amount,
		BidID:        winner.BidID,
		TiebreakerID: &tbID,
		CreatedAt:    now,
	}

	var resolved *models.Tiebreaker
	err = finalize.DebitAndCommit(ctx, a.locks, a.budget, winner.TeamID, amount, func(ctx context.Context) error {
		var cerr error
		resolved, cerr = a.repo.CommitTiebreakerWin(ctx, tb.ID, alloc, bidIDs(losers), now)
		return cerr
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("tiebreaker_id", tb.ID.String()).
		Str("player_id", tb.PlayerID.String()).
		Str("team_id", winner.TeamID.String()).
		Int64("amount", amount).
		Str("mode", string(mode)).
		Msg("tiebreaker resolved")

	if a.metrics != nil {
		a.metrics.RecordAllocation("tiebreaker")
	}
	a.emit.Emit(ctx, events.TypeTiebreakerResolved, tb.RoundID, now, events.TiebreakerResolvedPayload{
		TiebreakerID:  tb.ID.String(),
		PlayerID:      tb.PlayerID.String(),
		Mode:          string(mode),
		Outcome:       string(OutcomeWon),
		WinnerTeamID:  winner.TeamID.String(),
		WinningAmount: amount,
	}, events.WithTiebreaker(tb.ID), events.WithPlayer(tb.PlayerID), events.WithTeam(winner.TeamID))
	a.emit.Emit(ctx, events.TypePlayerAllocated, tb.RoundID, now, events.PlayerAllocatedPayload{
		AllocationID: alloc.ID.String(),
		PlayerID:     alloc.PlayerID.String(),
		TeamID:       alloc.TeamID.String(),
		Amount:       alloc.FinalAmount,
		TiebreakerID: tb.ID.String(),
	}, events.WithPlayer(alloc.PlayerID), events.WithTeam(alloc.TeamID))

	return &Resolution{Tiebreaker: resolved, Outcome: OutcomeWon, Allocation: alloc}, nil
}

func (a *App) escalate(ctx context.Context, tb *models.Tiebreaker, top, rest []models.TiebreakerParticipant,
	floor int64, mode models.ResolveMode) (*Resolution, error) {
	now := a.clock.Now()
	prevID := tb.ID
	next := &models.Tiebreaker{
		ID:             uuid.New(),
		RoundID:        tb.RoundID,
		PlayerID:       tb.PlayerID,
		Kind:           tb.Kind,
		OriginalAmount: floor,
		Status:         models.TiebreakerStatusPending,
		PreviousID:     &prevID,
		CreatedAt:      now,
	}
	for _, p := range top {
		next.Participants = append(next.Participants, models.TiebreakerParticipant{
			TeamID:      p.TeamID,
			BidID:       p.BidID,
			OriginalBid: p.EffectiveBid(),
		})
	}

	resolved, err := a.repo.EscalateTiebreaker(ctx, tb.ID, next, bidIDs(rest), now)
	if err != nil {
		return nil, fmt.Errorf("failed to escalate tiebreaker: %w", err)
	}

	log.Info().
		Str("tiebreaker_id", tb.ID.String()).
		Str("next_id", next.ID.String()).
		Int64("floor", floor).
		Int("teams", len(top)).
		Msg("tiebreaker tied again, escalated")

	if a.metrics != nil {
		a.metrics.RecordTiebreaker(string(next.Kind))
	}
	a.emit.Emit(ctx, events.TypeTiebreakerResolved, tb.RoundID, now, events.TiebreakerResolvedPayload{
		TiebreakerID: tb.ID.String(),
		PlayerID:     tb.PlayerID.String(),
		Mode:         string(mode),
		Outcome:      string(OutcomeEscalated),
		NextID:       next.ID.String(),
	}, events.WithTiebreaker(tb.ID), events.WithPlayer(tb.PlayerID))
	finalize.EmitTiebreakerCreated(ctx, a.emit, next)

	return &Resolution{Tiebreaker: resolved, Outcome: OutcomeEscalated, Next: next}, nil
}

func (a *App) exclude(ctx context.Context, tb *models.Tiebreaker) (*Resolution, error) {
	now := a.clock.Now()
	resolved, err := a.repo.ExcludeTiebreaker(ctx, tb.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to exclude tiebreaker: %w", err)
	}

	log.Info().
		Str("tiebreaker_id", tb.ID.String()).
		Str("player_id", tb.PlayerID.String()).
		Msg("tiebreaker excluded, player left unallocated")

	a.emit.Emit(ctx, events.TypeTiebreakerResolved, tb.RoundID, now, events.TiebreakerResolvedPayload{
		TiebreakerID: tb.ID.String(),
		PlayerID:     tb.PlayerID.String(),
		Mode:         string(models.ResolveModeExclude),
		Outcome:      string(OutcomeExcluded),
	}, events.WithTiebreaker(tb.ID), events.WithPlayer(tb.PlayerID))

	return &Resolution{Tiebreaker: resolved, Outcome: OutcomeExcluded}, nil
}

// completeRoundIfDone completes a tiebreaker_pending round once nothing is pending.
func (a *App) completeRoundIfDone(ctx context.Context, round *models.Round) (models.RoundStatus, error) {
	current, err := a.repo.GetRound(ctx, round.ID)
	if err != nil {
		return "", fmt.Errorf("failed to reload round: %w", err)
	}
	if current.Status != models.RoundStatusTiebreakerPending {
		return current.Status, nil
	}

	pending, err := a.repo.CountPendingTiebreakers(ctx, round.ID)
	if err != nil {
		return current.Status, fmt.Errorf("failed to count pending tiebreakers: %w", err)
	}
	if pending > 0 {
		return current.Status, nil
	}

	now := a.clock.Now()
	if _, err := a.repo.TransitionRoundStatus(ctx, round.ID,
		[]models.RoundStatus{models.RoundStatusTiebreakerPending}, models.RoundStatusCompleted, now); err != nil {
		return current.Status, fmt.Errorf("failed to complete round: %w", err)
	}

	allocs, err := a.repo.ListAllocations(ctx, round.ID)
	if err != nil {
		log.Error().Err(err).Str("round_id", round.ID.String()).Msg("failed to count allocations for finalized event")
	}
	tbs, err := a.repo.ListTiebreakers(ctx, round.ID)
	if err != nil {
		log.Error().Err(err).Str("round_id", round.ID.String()).Msg("failed to count tiebreakers for finalized event")
	}

	log.Info().Str("round_id", round.ID.String()).Msg("last tiebreaker resolved, round completed")
	finalize.EmitStatusChanged(ctx, a.emit, round.ID, models.RoundStatusTiebreakerPending, models.RoundStatusCompleted, now, "")
	finalize.EmitRoundFinalized(ctx, a.emit, round.ID, now, len(allocs), len(tbs))
	return models.RoundStatusCompleted, nil
}

// rankParticipants splits participants at the highest effective bid,
// keeping their order.
func rankParticipants(participants []models.TiebreakerParticipant) (top, rest []models.TiebreakerParticipant, highest int64) {
	for _, p := range participants {
		if bid := p.EffectiveBid(); bid > highest {
			highest = bid
		}
	}
	for _, p := range participants {
		if p.EffectiveBid() == highest {
			top = append(top, p)
		} else {
			rest = append(rest, p)
		}
	}
	return top, rest, highest
}

func bidIDs(participants []models.TiebreakerParticipant) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		out = append(out, p.BidID)
	}
	return out
}
