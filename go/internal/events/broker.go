package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Broker is an in-process Publisher that fans events out to subscribers.
// Delivery to one subscriber follows publish order; a subscriber whose buffer
// is full misses the event and is expected to re-read state.
type Broker struct {
	mu       sync.Mutex
	versions map[uuid.UUID]uint64
	subs     map[*Subscription]struct{}
	buffer   int
}

// Subscription receives events for one round, or for every round when
// RoundID is uuid.Nil.
type Subscription struct {
	RoundID uuid.UUID
	ch      chan *Event
	once    sync.Once
	broker  *Broker
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan *Event {
	return s.ch
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
		close(s.ch)
	})
}

// NewBroker creates a broker with the given per-subscriber buffer size.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{
		versions: make(map[uuid.UUID]uint64),
		subs:     make(map[*Subscription]struct{}),
		buffer:   buffer,
	}
}

// Subscribe registers a subscription; pass uuid.Nil to receive every round.
func (b *Broker) Subscribe(roundID uuid.UUID) *Subscription {
	sub := &Subscription{
		RoundID: roundID,
		ch:      make(chan *Event, b.buffer),
		broker:  b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish assigns the next per-round version when ev has none and delivers it.
// Versions assigned upstream are kept; the broker only tracks the highest one.
func (b *Broker) Publish(_ context.Context, ev *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Version == 0 {
		b.versions[ev.RoundID]++
		ev.Version = b.versions[ev.RoundID]
	} else if ev.Version > b.versions[ev.RoundID] {
		b.versions[ev.RoundID] = ev.Version
	}

	for sub := range b.subs {
		if sub.RoundID != uuid.Nil && sub.RoundID != ev.RoundID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("round_id", ev.RoundID.String()).
				Str("event_type", string(ev.Type)).
				Msg("subscriber buffer full, dropping event")
		}
	}
	return nil
}

// Version returns the last version published for a round.
func (b *Broker) Version(roundID uuid.UUID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.versions[roundID]
}
