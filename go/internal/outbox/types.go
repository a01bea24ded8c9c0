package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/events"
)

// OutboxEvent is one durable event row. Payload is the JSON encoded
// events.Event; Version is assigned by the store at insert time.
type OutboxEvent struct {
	ID        uuid.UUID       `json:"id"`
	RoundID   uuid.UUID       `json:"round_id"`
	EventType string          `json:"event_type"`
	Version   uint64          `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// Event decodes the row back into the event it was written from.
func (o OutboxEvent) Event() (*events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(o.Payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode outbox event %s: %w", o.ID, err)
	}
	ev.Version = o.Version
	return &ev, nil
}
