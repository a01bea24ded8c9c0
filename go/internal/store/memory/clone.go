package memory

import (
	"slices"

	"github.com/mcdev12/auctionhouse/go/internal/models"
)

func cloneRound(r *models.Round) *models.Round {
	c := *r
	c.PlayerPool = slices.Clone(r.PlayerPool)
	c.FinalizedAt = clonePtr(r.FinalizedAt)
	c.ClosingStartedAt = clonePtr(r.ClosingStartedAt)
	return &c
}

func cloneAllocation(a *models.Allocation) *models.Allocation {
	c := *a
	c.TiebreakerID = clonePtr(a.TiebreakerID)
	return &c
}

func cloneTiebreaker(tb *models.Tiebreaker) *models.Tiebreaker {
	c := *tb
	c.Participants = make([]models.TiebreakerParticipant, len(tb.Participants))
	for i, p := range tb.Participants {
		p.NewBid = clonePtr(p.NewBid)
		c.Participants[i] = p
	}
	c.PreviousID = clonePtr(tb.PreviousID)
	c.NextID = clonePtr(tb.NextID)
	c.WinnerTeamID = clonePtr(tb.WinnerTeamID)
	c.WinningAmount = clonePtr(tb.WinningAmount)
	c.ResolvedAt = clonePtr(tb.ResolvedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
