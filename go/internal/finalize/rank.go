package finalize

import (
	"bytes"
	"slices"
	"sort"

	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// playerBids is every live bid for one player, split at the top amount.
type playerBids struct {
	PlayerID uuid.UUID
	Top      []*models.Bid
	Rest     []*models.Bid
	Max      int64
}

func (p playerBids) ids(bids []*models.Bid) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(bids))
	for _, b := range bids {
		out = append(out, b.ID)
	}
	return out
}

func (p playerBids) all() []*models.Bid {
	return append(slices.Clone(p.Top), p.Rest...)
}

// groupByPlayer groups bids per player and ranks each group. Players come
// back sorted by id, top bids by placement time then team id, so a pass is
// deterministic for a given set of bids.
func groupByPlayer(bids []*models.Bid) []playerBids {
	byPlayer := make(map[uuid.UUID][]*models.Bid)
	for _, b := range bids {
		byPlayer[b.PlayerID] = append(byPlayer[b.PlayerID], b)
	}

	groups := make([]playerBids, 0, len(byPlayer))
	for playerID, group := range byPlayer {
		groups = append(groups, rank(playerID, group))
	}
	sort.Slice(groups, func(i, j int) bool {
		return bytes.Compare(groups[i].PlayerID[:], groups[j].PlayerID[:]) < 0
	})
	return groups
}

func rank(playerID uuid.UUID, bids []*models.Bid) playerBids {
	out := playerBids{PlayerID: playerID}
	for _, b := range bids {
		if b.Amount > out.Max {
			out.Max = b.Amount
		}
	}
	for _, b := range bids {
		if b.Amount == out.Max {
			out.Top = append(out.Top, b)
		} else {
			out.Rest = append(out.Rest, b)
		}
	}
	sort.Slice(out.Top, func(i, j int) bool {
		if !out.Top[i].CreatedAt.Equal(out.Top[j].CreatedAt) {
			return out.Top[i].CreatedAt.Before(out.Top[j].CreatedAt)
		}
		return bytes.Compare(out.Top[i].TeamID[:], out.Top[j].TeamID[:]) < 0
	})
	return out
}
