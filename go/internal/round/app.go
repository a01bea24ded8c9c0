package round

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/budget"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/mcdev12/auctionhouse/go/internal/finalize"
	"github.com/mcdev12/auctionhouse/go/internal/locker"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/mcdev12/auctionhouse/go/internal/players"
	"github.com/rs/zerolog/log"
)

// RoundRepository defines what the round app layer needs from the round store
type RoundRepository interface {
	CreateRound(ctx context.Context, round *models.Round) error
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	ListRounds(ctx context.Context, seasonID uuid.UUID) ([]*models.Round, error)
	// ExtendRoundEnd sets a later end time on an active round, otherwise
	// apperr.ErrRoundNotActive.
	ExtendRoundEnd(ctx context.Context, id uuid.UUID, newEnd time.Time) (*models.Round, error)
	TransitionRoundStatus(ctx context.Context, id uuid.UUID, from []models.RoundStatus, to models.RoundStatus, at time.Time) (*models.Round, error)
	FetchNextDeadline(ctx context.Context) (*models.NextDeadline, error)
	FetchRoundsDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	FetchStaleClosing(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	ListAllocations(ctx context.Context, roundID uuid.UUID) ([]*models.Allocation, error)
	// ReverseRound marks the round's allocations reversed, drops its live
	// bids, cancels pending tiebreakers and records the audit entry, atomically.
	ReverseRound(ctx context.Context, roundID uuid.UUID, entry *models.AuditEntry) (*models.RoundReversal, error)
}

// Finalizer runs finalize passes
type Finalizer interface {
	Finalize(ctx context.Context, roundID uuid.UUID) (*finalize.Result, error)
	Preview(ctx context.Context, roundID uuid.UUID) (*finalize.Plan, error)
}

// App owns the round lifecycle
type App struct {
	repo      RoundRepository
	players   players.Directory
	budget    budget.Service
	finalizer Finalizer
	locks     locker.Locker
	clock     clockwork.Clock
	emit      *events.Emitter
	cfg       Config
}

// NewApp creates a new round App
func NewApp(repo RoundRepository, directory players.Directory, budgetSvc budget.Service, finalizer Finalizer,
	locks locker.Locker, clock clockwork.Clock, pub events.Publisher, cfg Config) *App {
	return &App{
		repo:      repo,
		players:   directory,
		budget:    budgetSvc,
		finalizer: finalizer,
		locks:     locks,
		clock:     clock,
		emit:      events.NewEmitter(pub),
		cfg:       cfg,
	}
}

// CreateRound validates the config, snapshots the eligible players and opens the round
func (a *App) CreateRound(ctx context.Context, req CreateRoundRequest) (*models.Round, error) {
	if err := a.validateCreateRoundRequest(req); err != nil {
		return nil, err
	}

	pool, err := a.players.ListEligiblePlayers(ctx, req.SeasonID, req.Position)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible players: %w", err)
	}
	if len(pool) == 0 {
		return nil, apperr.Wrapf(apperr.ErrInvalidConfig, "no eligible players for %s in season %s", req.Position, req.SeasonID)
	}

	now := a.clock.Now()
	round := &models.Round{
		ID:         uuid.New(),
		SeasonID:   req.SeasonID,
		Position:   req.Position,
		Kind:       req.Kind,
		Status:     models.RoundStatusActive,
		StartTime:  now,
		EndTime:    now.Add(req.Duration),
		PlayerPool: pool,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	switch req.Kind {
	case models.RoundKindNormal:
		round.MaxBidsPerTeam = req.MaxBidsPerTeam
	case models.RoundKindBulk:
		round.BasePrice = req.BasePrice
	}

	if err := a.repo.CreateRound(ctx, round); err != nil {
		return nil, fmt.Errorf("failed to create round: %w", err)
	}

	log.Info().
		Str("round_id", round.ID.String()).
		Str("position", round.Position).
		Str("kind", string(round.Kind)).
		Int("players", len(pool)).
		Time("end_time", round.EndTime).
		Msg("round created")

	a.emit.Emit(ctx, events.TypeRoundCreated, round.ID, now, events.RoundCreatedPayload{
		RoundID:        round.ID.String(),
		SeasonID:       round.SeasonID.String(),
		Position:       round.Position,
		Kind:           string(round.Kind),
		MaxBidsPerTeam: round.MaxBidsPerTeam,
		BasePrice:      round.BasePrice,
		PlayerCount:    len(pool),
		StartTime:      round.StartTime,
		EndTime:        round.EndTime,
	}, events.WithStatus(string(round.Status)))
	return round, nil
}

// GetRound retrieves a round by ID
func (a *App) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	round, err := a.repo.GetRound(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return round, nil
}

// ListRounds lists a season's rounds
func (a *App) ListRounds(ctx context.Context, seasonID uuid.UUID) ([]*models.Round, error) {
	rounds, err := a.repo.ListRounds(ctx, seasonID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	return rounds, nil
}

// ExtendTime pushes an active round's end time out by minutes. The new end is
// counted from now when the old one already passed, so it always increases.
func (a *App) ExtendTime(ctx context.Context, id uuid.UUID, minutes int) (*models.Round, error) {
	if minutes < a.cfg.MinExtendMinutes {
		return nil, apperr.Wrapf(apperr.ErrExtendTooShort, "%d minutes, minimum is %d", minutes, a.cfg.MinExtendMinutes)
	}

	current, err := a.repo.GetRound(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("round not found: %w", err)
	}
	if current.Status != models.RoundStatusActive {
		return nil, apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is %s", id, current.Status)
	}

	now := a.clock.Now()
	base := current.EndTime
	if now.After(base) {
		base = now
	}
	newEnd := base.Add(time.Duration(minutes) * time.Minute)

	updated, err := a.repo.ExtendRoundEnd(ctx, id, newEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to extend round: %w", err)
	}

	log.Info().
		Str("round_id", id.String()).
		Int("minutes", minutes).
		Time("end_time", updated.EndTime).
		Msg("round time extended")

	a.emit.Emit(ctx, events.TypeRoundTimeExtended, id, now, events.RoundTimeExtendedPayload{
		RoundID:      id.String(),
		PreviousEnd:  current.EndTime,
		NewEnd:       updated.EndTime,
		AddedMinutes: minutes,
	})
	return updated, nil
}

// MarkExpired moves an active round whose end time passed to expired.
func (a *App) MarkExpired(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	current, err := a.repo.GetRound(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("round not found: %w", err)
	}
	now := a.clock.Now()
	if current.Status != models.RoundStatusActive {
		return current, apperr.Wrapf(apperr.ErrStatusConflict, "round %s is %s", id, current.Status)
	}
	if now.Before(current.EndTime) {
		return current, apperr.Wrapf(apperr.ErrRoundNotActive, "round %s ends at %s", id, current.EndTime)
	}

	if err := a.validateStatusTransition(current.Status, models.RoundStatusExpired); err != nil {
		return nil, err
	}
	updated, err := a.repo.TransitionRoundStatus(ctx, id,
		[]models.RoundStatus{models.RoundStatusActive}, models.RoundStatusExpired, now)
	if err != nil {
		return updated, fmt.Errorf("failed to expire round: %w", err)
	}

	log.Info().Str("round_id", id.String()).Msg("round expired")
	finalize.EmitStatusChanged(ctx, a.emit, id, current.Status, models.RoundStatusExpired, now, "")
	return updated, nil
}

// RequestFinalize runs the finalization engine for a round. Allowed from
// active (forced close) or expired.
func (a *App) RequestFinalize(ctx context.Context, id uuid.UUID) (*finalize.Result, error) {
	return a.finalizer.Finalize(ctx, id)
}

// PreviewFinalize shows what finalize would do now.
func (a *App) PreviewFinalize(ctx context.Context, id uuid.UUID) (*finalize.Plan, error) {
	return a.finalizer.Preview(ctx, id)
}

// FetchNextDeadline retrieves the earliest end time across active rounds
func (a *App) FetchNextDeadline(ctx context.Context) (*models.NextDeadline, error) {
	deadline, err := a.repo.FetchNextDeadline(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch next deadline: %w", err)
	}
	return deadline, nil
}

// FetchRoundsDue retrieves rounds awaiting finalize: active rounds whose end
// time passed and expired rounds a failed pass sent back.
func (a *App) FetchRoundsDue(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than 0")
	}
	ids, err := a.repo.FetchRoundsDue(ctx, a.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due rounds: %w", err)
	}
	return ids, nil
}

// RecoverStaleClosing sends rounds stuck in closing for longer than olderThan
// back to expired. A round whose finalize pass is still running holds the
// round section, so it is skipped.
func (a *App) RecoverStaleClosing(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	ids, err := a.repo.FetchStaleClosing(ctx, a.clock.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stale rounds: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		lockCtx, cancel := context.WithTimeout(ctx, a.cfg.LockTimeout)
		unlock, err := a.locks.Lock(lockCtx, locker.RoundKey(id))
		cancel()
		if err != nil {
			log.Debug().Str("round_id", id.String()).Msg("round still owned by a finalize pass")
			continue
		}

		now := a.clock.Now()
		_, err = a.repo.TransitionRoundStatus(ctx, id,
			[]models.RoundStatus{models.RoundStatusClosing}, models.RoundStatusExpired, now)
		unlock()
		if err != nil {
			if !errors.Is(err, apperr.ErrStatusConflict) {
				log.Error().Err(err).Str("round_id", id.String()).Msg("failed to recover stale round")
			}
			continue
		}

		recovered++
		log.Warn().Str("round_id", id.String()).Msg("recovered round stuck in closing")
		finalize.EmitStatusChanged(ctx, a.emit, id, models.RoundStatusClosing, models.RoundStatusExpired, now, "recovery")
	}
	return recovered, nil
}

// DeleteRound is the audited destructive path: every committed allocation of
// the round is credited back, live bids are released and pending tiebreakers
// cancelled. Either everything is reversed or the round is left as it was.
func (a *App) DeleteRound(ctx context.Context, id uuid.UUID, actor string) (*DeletionReport, error) {
	if actor == "" {
		return nil, apperr.Wrapf(apperr.ErrInvalidConfig, "delete requires an actor")
	}

	unlock, err := a.locks.Lock(ctx, locker.RoundKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock round: %w", err)
	}
	defer unlock()

	current, err := a.repo.GetRound(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("round not found: %w", err)
	}
	if err := a.validateStatusTransition(current.Status, models.RoundStatusDeleted); err != nil {
		return nil, err
	}

	now := a.clock.Now()
	previous := current.Status
	deleted, err := a.repo.TransitionRoundStatus(ctx, id, []models.RoundStatus{previous}, models.RoundStatusDeleted, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark round deleted: %w", err)
	}

	// Past this point every failure must leave the round as it was.
	restore := func(credited []*models.Allocation) {
		bg := context.WithoutCancel(ctx)
		for _, alloc := range credited {
			if err := a.budget.Debit(bg, alloc.TeamID, alloc.FinalAmount); err != nil {
				log.Error().Err(err).
					Str("round_id", id.String()).
					Str("team_id", alloc.TeamID.String()).
					Int64("amount", alloc.FinalAmount).
					Msg("failed to re-debit team while rolling back round deletion")
			}
		}
		if _, err := a.repo.TransitionRoundStatus(bg, id, []models.RoundStatus{models.RoundStatusDeleted}, previous, a.clock.Now()); err != nil {
			log.Error().Err(err).Str("round_id", id.String()).Msg("failed to restore round status after failed deletion")
		}
	}

	allocs, err := a.repo.ListAllocations(ctx, id)
	if err != nil {
		restore(nil)
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}

	// Team sections stay held until the reversal commits or is rolled back,
	// so no bid can reserve against a credit that may still be taken back.
	unlockTeams, err := a.lockTeams(ctx, allocs)
	if err != nil {
		restore(nil)
		return nil, err
	}
	defer unlockTeams()

	var credited []*models.Allocation
	var creditedAmount int64
	for _, alloc := range allocs {
		if err := a.budget.Credit(ctx, alloc.TeamID, alloc.FinalAmount); err != nil {
			restore(credited)
			return nil, fmt.Errorf("failed to credit team %s: %w", alloc.TeamID, err)
		}
		credited = append(credited, alloc)
		creditedAmount += alloc.FinalAmount
	}

	entry := &models.AuditEntry{
		ID:        uuid.New(),
		RoundID:   id,
		Actor:     actor,
		Action:    "delete_round",
		Detail:    fmt.Sprintf("status=%s allocations=%d credited=%d", previous, len(allocs), creditedAmount),
		CreatedAt: now,
	}
	reversal, err := a.repo.ReverseRound(ctx, id, entry)
	if err != nil {
		restore(credited)
		return nil, fmt.Errorf("failed to reverse round: %w", err)
	}

	log.Warn().
		Str("round_id", id.String()).
		Str("actor", actor).
		Str("previous_status", string(previous)).
		Int("allocations", reversal.Allocations).
		Int64("credited", creditedAmount).
		Int("bids", reversal.Bids).
		Int("tiebreakers", reversal.Tiebreakers).
		Msg("round deleted")

	finalize.EmitStatusChanged(ctx, a.emit, id, previous, models.RoundStatusDeleted, now, actor)
	return &DeletionReport{
		Round:                deleted,
		ReversedAllocations:  reversal.Allocations,
		CreditedAmount:       creditedAmount,
		ReleasedBids:         reversal.Bids,
		CancelledTiebreakers: reversal.Tiebreakers,
	}, nil
}

// lockTeams takes the section of every team owning one of allocs, in team id
// order.
func (a *App) lockTeams(ctx context.Context, allocs []*models.Allocation) (func(), error) {
	seen := make(map[uuid.UUID]bool)
	var teams []uuid.UUID
	for _, alloc := range allocs {
		if !seen[alloc.TeamID] {
			seen[alloc.TeamID] = true
			teams = append(teams, alloc.TeamID)
		}
	}
	slices.SortFunc(teams, func(x, y uuid.UUID) int { return bytes.Compare(x[:], y[:]) })

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, teamID := range teams {
		unlock, err := a.locks.Lock(ctx, locker.TeamKey(teamID))
		if err != nil {
			release()
			return nil, fmt.Errorf("failed to lock team %s: %w", teamID, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// Validation methods

// validateCreateRoundRequest validates create round request
func (a *App) validateCreateRoundRequest(req CreateRoundRequest) error {
	if req.SeasonID == uuid.Nil {
		return apperr.Wrapf(apperr.ErrInvalidConfig, "season_id is required")
	}
	if req.Position == "" {
		return apperr.Wrapf(apperr.ErrInvalidConfig, "position is required")
	}
	if req.Duration <= 0 {
		return apperr.Wrapf(apperr.ErrInvalidConfig, "duration must be greater than 0")
	}
	switch req.Kind {
	case models.RoundKindNormal:
		if req.MaxBidsPerTeam < 1 {
			return apperr.Wrapf(apperr.ErrInvalidConfig, "max_bids_per_team must be at least 1")
		}
	case models.RoundKindBulk:
		if req.BasePrice <= 0 {
			return apperr.Wrapf(apperr.ErrInvalidConfig, "base_price must be greater than 0")
		}
	default:
		return apperr.Wrapf(apperr.ErrInvalidConfig, "invalid round kind: %q", req.Kind)
	}
	return nil
}

// validateStatusTransition validates if a status transition is allowed
func (a *App) validateStatusTransition(currentStatus, newStatus models.RoundStatus) error {
	allowedTransitions := map[models.RoundStatus][]models.RoundStatus{
		models.RoundStatusActive:            {models.RoundStatusClosing, models.RoundStatusExpired, models.RoundStatusDeleted},
		models.RoundStatusExpired:           {models.RoundStatusClosing, models.RoundStatusDeleted},
		models.RoundStatusClosing:           {models.RoundStatusCompleted, models.RoundStatusTiebreakerPending, models.RoundStatusExpired, models.RoundStatusDeleted},
		models.RoundStatusTiebreakerPending: {models.RoundStatusCompleted, models.RoundStatusDeleted},
		models.RoundStatusCompleted:         {models.RoundStatusDeleted},
		models.RoundStatusDeleted:           {}, // terminal
	}

	allowedNext, exists := allowedTransitions[currentStatus]
	if !exists {
		return fmt.Errorf("unknown current status: %s", currentStatus)
	}
	for _, allowed := range allowedNext {
		if newStatus == allowed {
			return nil
		}
	}
	return apperr.Wrapf(apperr.ErrRoundNotActive, "transition from %s to %s is not allowed", currentStatus, newStatus)
}
