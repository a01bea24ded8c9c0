// Package orchestrator drives rounds past their deadlines: it expires active
// rounds whose end time passed and runs finalize on them.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/mcdev12/auctionhouse/go/internal/finalize"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/rs/zerolog/log"
)

// RoundService is the slice of round.App the scheduler drives.
type RoundService interface {
	FetchNextDeadline(ctx context.Context) (*models.NextDeadline, error)
	FetchRoundsDue(ctx context.Context, limit int) ([]uuid.UUID, error)
	MarkExpired(ctx context.Context, id uuid.UUID) (*models.Round, error)
	RequestFinalize(ctx context.Context, id uuid.UUID) (*finalize.Result, error)
	RecoverStaleClosing(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Metrics records scheduler activity.
type Metrics interface {
	RecordRoundExpired()
}

type Config struct {
	Workers           int
	PollInterval      time.Duration // Upper bound on sleep between scans
	BatchSize         int
	StaleClosingAfter time.Duration
	RecoveryInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:           4,
		PollInterval:      30 * time.Second,
		BatchSize:         100,
		StaleClosingAfter: 5 * time.Minute,
		RecoveryInterval:  time.Minute,
	}
}

// Scheduler sleeps until the next round deadline, then hands due rounds to a
// worker pool. A round is never worked on by two workers at once.
type Scheduler struct {
	rounds  RoundService
	clock   clockwork.Clock
	cfg     Config
	broker  *events.Broker
	metrics Metrics

	wake   chan struct{}
	workCh chan uuid.UUID

	inFlightMu sync.Mutex
	inFlight   map[uuid.UUID]struct{}
}

// NewScheduler builds a scheduler. broker and metrics may be nil; with a
// broker the scheduler re-plans as soon as a round is created or extended.
func NewScheduler(rounds RoundService, clock clockwork.Clock, cfg Config, broker *events.Broker, metrics Metrics) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Scheduler{
		rounds:   rounds,
		clock:    clock,
		cfg:      cfg,
		broker:   broker,
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
		workCh:   make(chan uuid.UUID, cfg.BatchSize),
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// Notify makes the scheduler re-read the next deadline. It never blocks.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run schedules until ctx is done, then waits for in-flight work.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Int("workers", s.cfg.Workers).
		Dur("poll_interval", s.cfg.PollInterval).
		Msg("round scheduler started")

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go s.worker(ctx, &wg, i)
	}
	defer func() {
		wg.Wait()
		log.Info().Msg("round scheduler stopped")
	}()

	if s.broker != nil {
		sub := s.broker.Subscribe(uuid.Nil)
		defer sub.Close()
		go s.watch(ctx, sub)
	}

	recovery := s.clock.NewTicker(s.cfg.RecoveryInterval)
	defer recovery.Stop()

	for {
		s.enqueueDue(ctx)

		timer := s.clock.NewTimer(s.nextSleep(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		case <-s.wake:
			timer.Stop()
		case <-recovery.Chan():
			timer.Stop()
			s.recoverStale(ctx)
		}
	}
}

// watch turns lifecycle events that move a deadline into wake-ups.
func (s *Scheduler) watch(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch ev.Type {
			case events.TypeRoundCreated, events.TypeRoundTimeExtended:
				s.Notify()
			}
		}
	}
}

// nextSleep is the time until the earliest active deadline, capped at the
// poll interval. Past deadlines already enqueued wait for the poll.
func (s *Scheduler) nextSleep(ctx context.Context) time.Duration {
	next, err := s.rounds.FetchNextDeadline(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch next deadline")
		return s.cfg.PollInterval
	}
	if next == nil || next.Deadline == nil {
		return s.cfg.PollInterval
	}
	d := next.Deadline.Sub(s.clock.Now())
	if d <= 0 || d > s.cfg.PollInterval {
		return s.cfg.PollInterval
	}
	return d
}

func (s *Scheduler) enqueueDue(ctx context.Context) {
	ids, err := s.rounds.FetchRoundsDue(ctx, s.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch due rounds")
		return
	}
	for _, id := range ids {
		if !s.claim(id) {
			continue
		}
		select {
		case s.workCh <- id:
			log.Debug().Str("round_id", id.String()).Msg("round enqueued for finalize")
		case <-ctx.Done():
			s.release(id)
			return
		default:
			s.release(id)
			log.Warn().Str("round_id", id.String()).Msg("work channel full, retrying next scan")
		}
	}
}

func (s *Scheduler) claim(id uuid.UUID) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id uuid.UUID) {
	s.inFlightMu.Lock()
	delete(s.inFlight, id)
	s.inFlightMu.Unlock()
}

func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.workCh:
			if err := s.handleDeadline(ctx, id); err != nil {
				log.Error().Err(err).
					Str("round_id", id.String()).
					Int("worker_id", workerID).
					Msg("deadline handling failed")
			}
			s.release(id)
		}
	}
}

// handleDeadline expires a round and runs finalize on it. Losing a race to
// another finalizer counts as handled.
func (s *Scheduler) handleDeadline(ctx context.Context, id uuid.UUID) error {
	_, err := s.rounds.MarkExpired(ctx, id)
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.RecordRoundExpired()
		}
	case errors.Is(err, apperr.ErrStatusConflict):
		// already expired, closing or finalized
	case errors.Is(err, apperr.ErrRoundNotActive):
		// end time moved out
		return nil
	default:
		return err
	}

	result, err := s.rounds.RequestFinalize(ctx, id)
	switch {
	case err == nil:
		log.Info().
			Str("round_id", id.String()).
			Str("status", string(result.Status)).
			Msg("round finalized by scheduler")
		return nil
	case errors.Is(err, apperr.ErrFinalizeInProgress), errors.Is(err, apperr.ErrRoundAlreadyFinalized):
		return nil
	default:
		return err
	}
}

func (s *Scheduler) recoverStale(ctx context.Context) {
	n, err := s.rounds.RecoverStaleClosing(ctx, s.cfg.StaleClosingAfter, s.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to recover stale rounds")
		return
	}
	if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale closing rounds")
		s.Notify()
	}
}
