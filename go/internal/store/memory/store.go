// Package memory is an in-process store for the auction. Every method is
// atomic under one data mutex, which gives the same guarantees the postgres
// store gets from conditional updates and transactions.
package memory

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// Store holds rounds, bids, tiebreakers, allocations and audit entries.
type Store struct {
	mu          sync.Mutex
	rounds      map[uuid.UUID]*models.Round
	bids        map[uuid.UUID]*models.Bid
	tiebreakers map[uuid.UUID]*models.Tiebreaker
	allocations map[uuid.UUID]*models.Allocation
	audit       []*models.AuditEntry
	outbox      outboxLog
}

// New creates an empty store.
func New() *Store {
	return &Store{
		rounds:      make(map[uuid.UUID]*models.Round),
		bids:        make(map[uuid.UUID]*models.Bid),
		tiebreakers: make(map[uuid.UUID]*models.Tiebreaker),
		allocations: make(map[uuid.UUID]*models.Allocation),
	}
}

// Rounds

func (s *Store) CreateRound(_ context.Context, round *models.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rounds[round.ID]; exists {
		return apperr.Wrapf(apperr.ErrInvalidConfig, "round %s already exists", round.ID)
	}
	s.rounds[round.ID] = cloneRound(round)
	return nil
}

func (s *Store) GetRound(_ context.Context, id uuid.UUID) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, apperr.Wrapf(apperr.ErrNotFound, "round %s", id)
	}
	return cloneRound(r), nil
}

func (s *Store) ListRounds(_ context.Context, seasonID uuid.UUID) ([]*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Round
	for _, r := range s.rounds {
		if r.SeasonID == seasonID {
			out = append(out, cloneRound(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) ExtendRoundEnd(_ context.Context, id uuid.UUID, newEnd time.Time) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, apperr.Wrapf(apperr.ErrNotFound, "round %s", id)
	}
	if r.Status != models.RoundStatusActive {
		return nil, apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is %s", id, r.Status)
	}
	if !newEnd.After(r.EndTime) {
		return nil, apperr.Wrapf(apperr.ErrExtendTooShort, "end time must increase")
	}
	r.EndTime = newEnd
	r.UpdatedAt = time.Now()
	return cloneRound(r), nil
}

func (s *Store) TransitionRoundStatus(_ context.Context, id uuid.UUID, from []models.RoundStatus, to models.RoundStatus, at time.Time) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, apperr.Wrapf(apperr.ErrNotFound, "round %s", id)
	}
	if !slices.Contains(from, r.Status) {
		return cloneRound(r), apperr.Wrapf(apperr.ErrStatusConflict, "round %s is %s", id, r.Status)
	}
	applyStatus(r, to, at)
	return cloneRound(r), nil
}

func applyStatus(r *models.Round, to models.RoundStatus, at time.Time) {
	r.Status = to
	r.UpdatedAt = at
	switch to {
	case models.RoundStatusClosing:
		r.ClosingStartedAt = &at
	case models.RoundStatusCompleted:
		r.ClosingStartedAt = nil
		if r.FinalizedAt == nil {
			r.FinalizedAt = &at
		}
	case models.RoundStatusTiebreakerPending:
		r.ClosingStartedAt = nil
		if r.FinalizedAt == nil {
			r.FinalizedAt = &at
		}
	default:
		r.ClosingStartedAt = nil
	}
}

func (s *Store) FetchNextDeadline(_ context.Context) (*models.NextDeadline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *models.NextDeadline
	for _, r := range s.rounds {
		if r.Status != models.RoundStatusActive {
			continue
		}
		if next == nil || r.EndTime.Before(*next.Deadline) {
			end := r.EndTime
			next = &models.NextDeadline{RoundID: r.ID, Deadline: &end}
		}
	}
	return next, nil
}

func (s *Store) FetchRoundsDue(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.Round
	for _, r := range s.rounds {
		expiredUnsettled := r.Status == models.RoundStatusExpired
		if expiredUnsettled || (r.Status == models.RoundStatusActive && !r.EndTime.After(now)) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].EndTime.Before(due[j].EndTime) })
	return roundIDs(due, limit), nil
}

func (s *Store) FetchStaleClosing(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*models.Round
	for _, r := range s.rounds {
		if r.Status == models.RoundStatusClosing && r.ClosingStartedAt != nil && r.ClosingStartedAt.Before(before) {
			stale = append(stale, r)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ClosingStartedAt.Before(*stale[j].ClosingStartedAt) })
	return roundIDs(stale, limit), nil
}

func (s *Store) ReverseRound(_ context.Context, roundID uuid.UUID, entry *models.AuditEntry) (*models.RoundReversal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[roundID]; !ok {
		return nil, apperr.Wrapf(apperr.ErrNotFound, "round %s", roundID)
	}

	rev := &models.RoundReversal{}
	for _, a := range s.allocations {
		if a.RoundID == roundID && !a.Reversed {
			a.Reversed = true
			rev.Allocations++
		}
	}
	for id, b := range s.bids {
		if b.RoundID == roundID && b.IsLive() {
			delete(s.bids, id)
			rev.Bids++
		}
	}
	for _, tb := range s.tiebreakers {
		if tb.RoundID == roundID && tb.IsPending() {
			tb.Status = models.TiebreakerStatusCancelled
			at := entry.CreatedAt
			tb.ResolvedAt = &at
			rev.Tiebreakers++
		}
	}
	e := *entry
	s.audit = append(s.audit, &e)
	return rev, nil
}

// AuditEntries returns the audit log of a round.
func (s *Store) AuditEntries(roundID uuid.UUID) []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range s.audit {
		if e.RoundID == roundID {
			out = append(out, *e)
		}
	}
	return out
}

// Bids

func (s *Store) GetBid(_ context.Context, id uuid.UUID) (*models.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[id]
	if !ok {
		return nil, apperr.Wrapf(apperr.ErrNotFound, "bid %s", id)
	}
	c := *b
	return &c, nil
}

func (s *Store) FindLiveBid(_ context.Context, roundID, teamID, playerID uuid.UUID) (*models.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.liveBid(roundID, teamID, playerID); b != nil {
		c := *b
		return &c, nil
	}
	return nil, apperr.Wrapf(apperr.ErrNotFound, "live bid for player %s", playerID)
}

func (s *Store) liveBid(roundID, teamID, playerID uuid.UUID) *models.Bid {
	for _, b := range s.bids {
		if b.RoundID == roundID && b.TeamID == teamID && b.PlayerID == playerID && b.IsLive() {
			return b
		}
	}
	return nil
}

func (s *Store) CountLiveBids(_ context.Context, roundID, teamID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bids {
		if b.RoundID == roundID && b.TeamID == teamID && b.IsLive() {
			n++
		}
	}
	return n, nil
}

func (s *Store) SumLiveReservations(_ context.Context, teamID, excludeBidID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, b := range s.bids {
		if b.TeamID == teamID && b.IsLive() && b.ID != excludeBidID {
			sum += b.Reserved
		}
	}
	return sum, nil
}

func (s *Store) InsertBid(_ context.Context, bid *models.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(bid.RoundID); err != nil {
		return err
	}
	if s.liveBid(bid.RoundID, bid.TeamID, bid.PlayerID) != nil {
		return apperr.Wrapf(apperr.ErrDuplicateClaim, "team %s player %s", bid.TeamID, bid.PlayerID)
	}
	c := *bid
	s.bids[bid.ID] = &c
	return nil
}

func (s *Store) ReplaceBid(_ context.Context, oldID uuid.UUID, bid *models.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(bid.RoundID); err != nil {
		return err
	}
	old, ok := s.bids[oldID]
	if !ok || !old.IsLive() {
		return apperr.Wrapf(apperr.ErrNotFound, "live bid %s", oldID)
	}
	delete(s.bids, oldID)
	c := *bid
	s.bids[bid.ID] = &c
	return nil
}

func (s *Store) DeleteBid(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[id]
	if !ok || !b.IsLive() {
		return apperr.Wrapf(apperr.ErrNotFound, "live bid %s", id)
	}
	if err := s.requireActive(b.RoundID); err != nil {
		return err
	}
	delete(s.bids, id)
	return nil
}

func (s *Store) DiscardBids(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discard(ids)
	return nil
}

func (s *Store) discard(ids []uuid.UUID) {
	for _, id := range ids {
		if b, ok := s.bids[id]; ok && b.IsLive() {
			b.Status = models.BidStatusDiscarded
		}
	}
}

func (s *Store) ListLiveBids(_ context.Context, roundID uuid.UUID) ([]*models.Bid, error) {
	return s.filterBids(func(b *models.Bid) bool { return b.RoundID == roundID && b.IsLive() }), nil
}

func (s *Store) ListTeamBids(_ context.Context, roundID, teamID uuid.UUID) ([]*models.Bid, error) {
	return s.filterBids(func(b *models.Bid) bool { return b.RoundID == roundID && b.TeamID == teamID }), nil
}

func (s *Store) ListPlayerLiveBids(_ context.Context, roundID, playerID uuid.UUID) ([]*models.Bid, error) {
	return s.filterBids(func(b *models.Bid) bool {
		return b.RoundID == roundID && b.PlayerID == playerID && b.IsLive()
	}), nil
}

func (s *Store) filterBids(keep func(*models.Bid) bool) []*models.Bid {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Bid
	for _, b := range s.bids {
		if keep(b) {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

func (s *Store) requireActive(roundID uuid.UUID) error {
	r, ok := s.rounds[roundID]
	if !ok {
		return apperr.Wrapf(apperr.ErrNotFound, "round %s", roundID)
	}
	if r.Status != models.RoundStatusActive {
		return apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is %s", roundID, r.Status)
	}
	return nil
}

// Allocations

func (s *Store) ListAllocations(_ context.Context, roundID uuid.UUID) ([]*models.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Allocation
	for _, a := range s.allocations {
		if a.RoundID == roundID && !a.Reversed {
			out = append(out, cloneAllocation(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].PlayerID[:], out[j].PlayerID[:]) < 0
	})
	return out, nil
}

func (s *Store) FindActiveAllocation(_ context.Context, seasonID, playerID uuid.UUID) (*models.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.activeAllocation(seasonID, playerID); a != nil {
		return cloneAllocation(a), nil
	}
	return nil, apperr.Wrapf(apperr.ErrNotFound, "allocation for player %s", playerID)
}

func (s *Store) activeAllocation(seasonID, playerID uuid.UUID) *models.Allocation {
	for _, a := range s.allocations {
		if a.SeasonID == seasonID && a.PlayerID == playerID && !a.Reversed {
			return a
		}
	}
	return nil
}

func (s *Store) CommitAllocation(_ context.Context, alloc *models.Allocation, discardBidIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(alloc, discardBidIDs)
}

func (s *Store) commit(alloc *models.Allocation, discardBidIDs []uuid.UUID) error {
	if existing := s.activeAllocation(alloc.SeasonID, alloc.PlayerID); existing != nil {
		return apperr.Wrapf(apperr.ErrAlreadyAllocated, "player %s held by team %s", alloc.PlayerID, existing.TeamID)
	}
	if r, ok := s.rounds[alloc.RoundID]; !ok || r.Status == models.RoundStatusDeleted {
		return apperr.Wrapf(apperr.ErrRoundNotActive, "round %s is deleted", alloc.RoundID)
	}
	if b, ok := s.bids[alloc.BidID]; ok {
		b.Status = models.BidStatusWon
	}
	s.discard(discardBidIDs)
	s.allocations[alloc.ID] = cloneAllocation(alloc)
	return nil
}

// Tiebreakers

func (s *Store) GetTiebreaker(_ context.Context, id uuid.UUID) (*models.Tiebreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, ok := s.tiebreakers[id]
	if !ok {
		return nil, apperr.Wrapf(apperr.ErrNotFound, "tiebreaker %s", id)
	}
	return cloneTiebreaker(tb), nil
}

func (s *Store) ListTiebreakers(_ context.Context, roundID uuid.UUID) ([]*models.Tiebreaker, error) {
	return s.filterTiebreakers(func(tb *models.Tiebreaker) bool { return tb.RoundID == roundID }), nil
}

func (s *Store) ListTeamTiebreakers(_ context.Context, teamID uuid.UUID) ([]*models.Tiebreaker, error) {
	return s.filterTiebreakers(func(tb *models.Tiebreaker) bool {
		_, ok := tb.Participant(teamID)
		return ok
	}), nil
}

func (s *Store) filterTiebreakers(keep func(*models.Tiebreaker) bool) []*models.Tiebreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Tiebreaker
	for _, tb := range s.tiebreakers {
		if keep(tb) {
			out = append(out, cloneTiebreaker(tb))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

func (s *Store) FindPendingTiebreaker(_ context.Context, roundID, playerID uuid.UUID) (*models.Tiebreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tb := s.pendingTiebreaker(roundID, playerID); tb != nil {
		return cloneTiebreaker(tb), nil
	}
	return nil, apperr.Wrapf(apperr.ErrNotFound, "pending tiebreaker for player %s", playerID)
}

func (s *Store) pendingTiebreaker(roundID, playerID uuid.UUID) *models.Tiebreaker {
	for _, tb := range s.tiebreakers {
		if tb.RoundID == roundID && tb.PlayerID == playerID && tb.IsPending() {
			return tb
		}
	}
	return nil
}

func (s *Store) CountPendingTiebreakers(_ context.Context, roundID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tb := range s.tiebreakers {
		if tb.RoundID == roundID && tb.IsPending() {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateTiebreaker(_ context.Context, tb *models.Tiebreaker, discardBidIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTiebreaker(tb, discardBidIDs)
}

func (s *Store) insertTiebreaker(tb *models.Tiebreaker, discardBidIDs []uuid.UUID) error {
	if s.pendingTiebreaker(tb.RoundID, tb.PlayerID) != nil {
		return apperr.Wrapf(apperr.ErrStatusConflict, "player %s already has a pending tiebreaker", tb.PlayerID)
	}
	s.discard(discardBidIDs)
	s.tiebreakers[tb.ID] = cloneTiebreaker(tb)
	return nil
}

func (s *Store) SubmitTiebreakerBid(_ context.Context, id, teamID uuid.UUID, amount int64) (*models.Tiebreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, err := s.pending(id)
	if err != nil {
		return nil, err
	}
	p, ok := tb.Participant(teamID)
	if !ok {
		return nil, apperr.Wrapf(apperr.ErrNotAParticipant, "team %s", teamID)
	}
	if p.Submitted {
		return nil, apperr.Wrapf(apperr.ErrAlreadySubmitted, "team %s", teamID)
	}
	b, ok := s.bids[p.BidID]
	if !ok || !b.IsLive() {
		return nil, apperr.Wrapf(apperr.ErrNotFound, "live bid %s", p.BidID)
	}
	p.NewBid = &amount
	p.Submitted = true
	b.Reserved = amount
	return cloneTiebreaker(tb), nil
}

func (s *Store) CommitTiebreakerWin(_ context.Context, id uuid.UUID, alloc *models.Allocation, discardBidIDs []uuid.UUID, at time.Time) (*models.Tiebreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, err := s.pending(id)
	if err != nil {
		return nil, err
	}
	if err := s.commit(alloc, discardBidIDs); err != nil {
		return nil, err
	}
	winner, amount := alloc.TeamID, alloc.FinalAmount
	tb.Status = models.TiebreakerStatusResolved
	tb.WinnerTeamID = &winner
	tb.WinningAmount = &amount
	tb.ResolvedAt = &at
	return cloneTiebreaker(tb), nil
}

func (s *Store) EscalateTiebreaker(_ context.Context, id uuid.UUID, next *models.Tiebreaker, discardBidIDs []uuid.UUID, at time.Time) (*models.Tiebreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, err := s.pending(id)
	if err != nil {
		return nil, err
	}
	// The successor takes over the pending slot for this player.
	tb.Status = models.TiebreakerStatusResolved
	if err := s.insertTiebreaker(next, discardBidIDs); err != nil {
		tb.Status = models.TiebreakerStatusPending
		return nil, err
	}
	nextID := next.ID
	tb.NextID = &nextID
	tb.ResolvedAt = &at
	return cloneTiebreaker(tb), nil
}

func (s *Store) ExcludeTiebreaker(_ context.Context, id uuid.UUID, at time.Time) (*models.Tiebreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, err := s.pending(id)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(tb.Participants))
	for _, p := range tb.Participants {
		ids = append(ids, p.BidID)
	}
	s.discard(ids)
	tb.Status = models.TiebreakerStatusExcluded
	tb.ResolvedAt = &at
	return cloneTiebreaker(tb), nil
}

func (s *Store) pending(id uuid.UUID) (*models.Tiebreaker, error) {
	tb, ok := s.tiebreakers[id]
	if !ok {
		return nil, apperr.Wrapf(apperr.ErrNotFound, "tiebreaker %s", id)
	}
	if !tb.IsPending() {
		return nil, apperr.Wrapf(apperr.ErrTiebreakerResolved, "tiebreaker %s is %s", id, tb.Status)
	}
	return tb, nil
}

func roundIDs(rounds []*models.Round, limit int) []uuid.UUID {
	if limit > 0 && len(rounds) > limit {
		rounds = rounds[:limit]
	}
	ids := make([]uuid.UUID, 0, len(rounds))
	for _, r := range rounds {
		ids = append(ids, r.ID)
	}
	return ids
}
