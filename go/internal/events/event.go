package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type names an auction lifecycle event.
type Type string

const (
	TypeRoundCreated       Type = "round_created"
	TypeRoundUpdated       Type = "round_updated"
	TypeRoundStatusChanged Type = "round_status_changed"
	TypeRoundTimeExtended  Type = "round_time_extended"
	TypeRoundFinalized     Type = "round_finalized"
	TypeBidPlaced          Type = "bid_placed"
	TypeBidCancelled       Type = "bid_cancelled"
	TypeTiebreakerCreated  Type = "tiebreaker_created"
	TypeTiebreakerUpdated  Type = "tiebreaker_updated"
	TypeTiebreakerResolved Type = "tiebreaker_resolved"
	TypePlayerAllocated    Type = "player_allocated"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeRoundCreated, TypeRoundUpdated, TypeRoundStatusChanged, TypeRoundTimeExtended,
		TypeRoundFinalized, TypeBidPlaced, TypeBidCancelled, TypeTiebreakerCreated,
		TypeTiebreakerUpdated, TypeTiebreakerResolved, TypePlayerAllocated:
		return true
	default:
		return false
	}
}

// Event is one lifecycle notification. Version increases per round; consumers
// de-duplicate on (Type, RoundID, Version).
type Event struct {
	ID           uuid.UUID       `json:"event_id"`
	Type         Type            `json:"event_type"`
	RoundID      uuid.UUID       `json:"round_id"`
	PlayerID     *uuid.UUID      `json:"player_id,omitempty"`
	TeamID       *uuid.UUID      `json:"team_id,omitempty"`
	TiebreakerID *uuid.UUID      `json:"tiebreaker_id,omitempty"`
	NewStatus    string          `json:"new_status,omitempty"`
	Version      uint64          `json:"version"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// DedupeKey identifies an event for at-least-once consumers.
func (e *Event) DedupeKey() string {
	return fmt.Sprintf("%s:%s:%d", e.Type, e.RoundID, e.Version)
}

// New builds an event with a JSON payload.
func New(eventType Type, roundID uuid.UUID, at time.Time, payload any) (*Event, error) {
	ev := &Event{
		ID:        uuid.New(),
		Type:      eventType,
		RoundID:   roundID,
		Timestamp: at.UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// Publisher delivers events. Implementations assign Version when it is zero
// and must keep per-round publish order.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// Fanout publishes to every publisher in order. The first one that assigns a
// version wins, later publishers see it already set.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev *Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }

// Emitter builds and publishes events for the app layer. Failures are logged,
// never returned: a committed state change must not be reported as failed
// because a notification could not be delivered.
type Emitter struct {
	pub Publisher
}

// NewEmitter wraps a Publisher. A nil publisher discards events.
func NewEmitter(pub Publisher) *Emitter {
	if pub == nil {
		pub = Nop{}
	}
	return &Emitter{pub: pub}
}

// Emit publishes an event, filling optional fields through opts.
func (e *Emitter) Emit(ctx context.Context, eventType Type, roundID uuid.UUID, at time.Time, payload any, opts ...Option) {
	ev, err := New(eventType, roundID, at, payload)
	if err != nil {
		log.Error().Err(err).Str("round_id", roundID.String()).Msg("failed to build event")
		return
	}
	for _, opt := range opts {
		opt(ev)
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		log.Error().Err(err).
			Str("round_id", roundID.String()).
			Str("event_type", string(eventType)).
			Msg("failed to publish event")
	}
}

// Option sets an optional event field.
type Option func(*Event)

func WithPlayer(id uuid.UUID) Option     { return func(e *Event) { e.PlayerID = &id } }
func WithTeam(id uuid.UUID) Option       { return func(e *Event) { e.TeamID = &id } }
func WithTiebreaker(id uuid.UUID) Option { return func(e *Event) { e.TiebreakerID = &id } }
func WithStatus(status string) Option    { return func(e *Event) { e.NewStatus = status } }
