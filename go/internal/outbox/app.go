package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/rs/zerolog/log"
)

// OutboxRepository defines what the app layer needs from the repository
type OutboxRepository interface {
	// InsertOutboxEvent stores the row and returns the round's next version.
	InsertOutboxEvent(ctx context.Context, event OutboxEvent) (uint64, error)
	FetchUnsentOutbox(ctx context.Context, limit int32) ([]OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, ids []uuid.UUID) error
	FetchOutboxByID(ctx context.Context, id uuid.UUID) (*OutboxEvent, error)
	CountUnsentOutbox(ctx context.Context) (int, error)
}

// App handles outbox business logic. It is the durable events.Publisher.
type App struct {
	repo OutboxRepository
}

// NewApp creates a new outbox App
func NewApp(repo OutboxRepository) *App {
	return &App{
		repo: repo,
	}
}

// Publish writes ev to the outbox and sets its version when ev has none.
func (a *App) Publish(ctx context.Context, ev *events.Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("invalid event type %q", ev.Type)
	}
	if ev.RoundID == uuid.Nil {
		return fmt.Errorf("event %s has no round", ev.Type)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}
	if err := a.validateEventPayload(payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", ev.Type, err)
	}

	version, err := a.repo.InsertOutboxEvent(ctx, OutboxEvent{
		ID:        ev.ID,
		RoundID:   ev.RoundID,
		EventType: string(ev.Type),
		Payload:   payload,
		CreatedAt: ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert %s event: %w", ev.Type, err)
	}
	if ev.Version == 0 {
		ev.Version = version
	}

	log.Debug().
		Str("round_id", ev.RoundID.String()).
		Str("event_type", string(ev.Type)).
		Uint64("version", version).
		Msg("outbox event inserted")
	return nil
}

// FetchUnsentEvents fetches unsent outbox events
func (a *App) FetchUnsentEvents(ctx context.Context, limit int32) ([]OutboxEvent, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than 0")
	}

	unsent, err := a.repo.FetchUnsentOutbox(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent events: %w", err)
	}

	if len(unsent) > 0 {
		log.Debug().
			Int("count", len(unsent)).
			Msg("fetched unsent outbox events")
	}
	return unsent, nil
}

// MarkEventsSent marks outbox events as sent
func (a *App) MarkEventsSent(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := a.repo.MarkOutboxSent(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark events as sent: %w", err)
	}
	return nil
}

// GetEventByID fetches a specific outbox event by ID
func (a *App) GetEventByID(ctx context.Context, eventID uuid.UUID) (*OutboxEvent, error) {
	event, err := a.repo.FetchOutboxByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event by ID: %w", err)
	}
	return event, nil
}

// PendingCount returns how many events wait to be relayed
func (a *App) PendingCount(ctx context.Context) (int, error) {
	n, err := a.repo.CountUnsentOutbox(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsent events: %w", err)
	}
	return n, nil
}

// validateEventPayload validates that the event payload is not empty
func (a *App) validateEventPayload(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("event payload cannot be empty")
	}
	return nil
}
