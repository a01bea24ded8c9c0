package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int32
	MaxRetries   int
	RetryDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		MaxRetries:   3,
		RetryDelay:   time.Second,
	}
}

// Worker relays unsent outbox rows to a Publisher. Rows of one round are
// relayed in version order: when a row fails, the later rows of that round
// wait for the next batch.
type Worker struct {
	app       *App
	publisher Publisher
	config    Config
	clock     clockwork.Clock
	metrics   Metrics
	wake      chan struct{}

	mu            sync.Mutex
	running       bool
	processed     uint64
	lastEventTime time.Time
}

func NewWorker(app *App, publisher Publisher, cfg Config, clock clockwork.Clock, metrics Metrics) *Worker {
	if metrics == nil {
		metrics = DiscardMetrics{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{
		app:       app,
		publisher: publisher,
		config:    cfg,
		clock:     clock,
		metrics:   metrics,
		wake:      make(chan struct{}, 1),
	}
}

// Notify asks the worker to run a batch now. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run relays events until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int32("batch_size", w.config.BatchSize).
		Msg("outbox worker started")

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start
	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox worker stopped")
			return nil
		case <-ticker.Chan():
			w.drain(ctx)
		case <-w.wake:
			w.drain(ctx)
		}
	}
}

// drain processes full batches until the outbox is caught up.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		sent, fetched, err := w.ProcessBatch(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to process outbox batch")
			return
		}
		if fetched < int(w.config.BatchSize) || sent == 0 {
			return
		}
	}
}

// ProcessBatch relays one batch and reports how many rows were sent and fetched.
func (w *Worker) ProcessBatch(ctx context.Context) (int, int, error) {
	start := w.clock.Now()

	unsent, err := w.app.FetchUnsentEvents(ctx, w.config.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(unsent) == 0 {
		w.metrics.RecordOutboxLag(0)
		return 0, 0, nil
	}

	blocked := make(map[uuid.UUID]bool)
	var successfulIDs []uuid.UUID
	for _, event := range unsent {
		if blocked[event.RoundID] {
			continue
		}
		if err := w.publishWithRetry(ctx, event); err != nil {
			blocked[event.RoundID] = true
			log.Error().Err(err).
				Str("event_id", event.ID.String()).
				Str("round_id", event.RoundID.String()).
				Str("event_type", event.EventType).
				Msg("failed to publish event")
			continue
		}
		successfulIDs = append(successfulIDs, event.ID)
	}

	if err := w.app.MarkEventsSent(ctx, successfulIDs); err != nil {
		return 0, len(unsent), err
	}

	w.mu.Lock()
	w.processed += uint64(len(successfulIDs))
	if len(successfulIDs) > 0 {
		w.lastEventTime = w.clock.Now()
	}
	w.mu.Unlock()

	w.metrics.RecordBatchProcessed(len(successfulIDs), w.clock.Since(start))
	if pending, err := w.app.PendingCount(ctx); err == nil {
		w.metrics.RecordOutboxLag(pending)
	}

	log.Debug().
		Int("total", len(unsent)).
		Int("successful", len(successfulIDs)).
		Msg("processed outbox events")
	return len(successfulIDs), len(unsent), nil
}

func (w *Worker) publishWithRetry(ctx context.Context, event OutboxEvent) error {
	var lastErr error

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clock.After(w.config.RetryDelay * time.Duration(attempt)):
			}
		}

		err := w.publisher.Publish(ctx, event)
		w.metrics.RecordPublishAttempt(event.EventType, attempt+1, err == nil)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).
				Str("event_id", event.ID.String()).
				Int("attempt", attempt+1).
				Msg("failed to publish event, retrying")
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", w.config.MaxRetries+1, lastErr)
}

// Stats reports how many events were relayed and when the last one was.
func (w *Worker) Stats() (uint64, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed, w.lastEventTime
}

// Running reports whether Run is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
