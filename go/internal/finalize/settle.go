package finalize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/budget"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/mcdev12/auctionhouse/go/internal/locker"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/rs/zerolog/log"
)

// DebitAndCommit debits the winning team and runs commit inside the team's
// exclusive section, so the reservation turns into a spend without a window
// where neither is counted. A failed commit is compensated with a credit.
// The caller must already hold the player section.
func DebitAndCommit(ctx context.Context, locks locker.Locker, budgetSvc budget.Service, teamID uuid.UUID, amount int64, commit func(context.Context) error) error {
	unlock, err := locks.Lock(ctx, locker.TeamKey(teamID))
	if err != nil {
		return fmt.Errorf("failed to lock team budget: %w", err)
	}
	defer unlock()

	if err := budgetSvc.Debit(ctx, teamID, amount); err != nil {
		return fmt.Errorf("team %s: %w: %w", teamID, apperr.ErrBudgetDebitFailed, err)
	}

	if err := commit(ctx); err != nil {
		if errors.Is(err, apperr.ErrAlreadyAllocated) {
			log.Error().Err(err).
				Str("team_id", teamID.String()).
				Msg("integrity violation: allocation commit hit an already allocated player")
		}
		if cerr := budgetSvc.Credit(context.WithoutCancel(ctx), teamID, amount); cerr != nil {
			log.Error().Err(cerr).
				Str("team_id", teamID.String()).
				Int64("amount", amount).
				Msg("failed to credit back debit after failed commit")
		}
		return fmt.Errorf("failed to commit allocation: %w", err)
	}
	return nil
}

// EmitStatusChanged publishes a round_status_changed event.
func EmitStatusChanged(ctx context.Context, emit *events.Emitter, roundID uuid.UUID, from, to models.RoundStatus, at time.Time, actor string) {
	emit.Emit(ctx, events.TypeRoundStatusChanged, roundID, at, events.RoundStatusChangedPayload{
		RoundID:   roundID.String(),
		From:      string(from),
		To:        string(to),
		ChangedAt: at,
		Actor:     actor,
	}, events.WithStatus(string(to)))
}

// EmitRoundFinalized publishes a round_finalized event.
func EmitRoundFinalized(ctx context.Context, emit *events.Emitter, roundID uuid.UUID, at time.Time, allocations, tiebreakers int) {
	emit.Emit(ctx, events.TypeRoundFinalized, roundID, at, events.RoundFinalizedPayload{
		RoundID:     roundID.String(),
		FinalizedAt: at,
		Allocations: allocations,
		Tiebreakers: tiebreakers,
	}, events.WithStatus(string(models.RoundStatusCompleted)))
}

// EmitTiebreakerCreated publishes a tiebreaker_created event.
func EmitTiebreakerCreated(ctx context.Context, emit *events.Emitter, tb *models.Tiebreaker) {
	emit.Emit(ctx, events.TypeTiebreakerCreated, tb.RoundID, tb.CreatedAt, TiebreakerPayload(tb),
		events.WithPlayer(tb.PlayerID), events.WithTiebreaker(tb.ID))
}

// TiebreakerPayload describes a tiebreaker without revealing submitted amounts.
func TiebreakerPayload(tb *models.Tiebreaker) events.TiebreakerPayload {
	p := events.TiebreakerPayload{
		TiebreakerID:   tb.ID.String(),
		PlayerID:       tb.PlayerID.String(),
		Kind:           string(tb.Kind),
		OriginalAmount: tb.OriginalAmount,
	}
	for _, part := range tb.Participants {
		p.TeamIDs = append(p.TeamIDs, part.TeamID.String())
		if part.Submitted {
			p.Submitted++
		}
	}
	if tb.PreviousID != nil {
		p.PreviousID = tb.PreviousID.String()
	}
	return p
}
