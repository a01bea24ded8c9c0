package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/outbox"
)

// outboxLog keeps outbox rows in insert order. It has its own lock so event
// writes never wait on the data mutex.
type outboxLog struct {
	mu       sync.Mutex
	rows     []*outbox.OutboxEvent
	versions map[uuid.UUID]uint64
}

func (s *Store) InsertOutboxEvent(_ context.Context, event outbox.OutboxEvent) (uint64, error) {
	o := &s.outbox
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.versions == nil {
		o.versions = make(map[uuid.UUID]uint64)
	}
	o.versions[event.RoundID]++
	event.Version = o.versions[event.RoundID]
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Payload = slices.Clone(event.Payload)
	o.rows = append(o.rows, &event)
	return event.Version, nil
}

func (s *Store) FetchUnsentOutbox(_ context.Context, limit int32) ([]outbox.OutboxEvent, error) {
	o := &s.outbox
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []outbox.OutboxEvent
	for _, row := range o.rows {
		if row.SentAt != nil {
			continue
		}
		out = append(out, *row)
		if int32(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkOutboxSent(_ context.Context, ids []uuid.UUID) error {
	o := &s.outbox
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now().UTC()
	for _, row := range o.rows {
		if row.SentAt == nil && slices.Contains(ids, row.ID) {
			row.SentAt = &now
		}
	}
	return nil
}

func (s *Store) FetchOutboxByID(_ context.Context, id uuid.UUID) (*outbox.OutboxEvent, error) {
	o := &s.outbox
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, row := range o.rows {
		if row.ID == id {
			cp := *row
			return &cp, nil
		}
	}
	return nil, apperr.Wrapf(apperr.ErrNotFound, "outbox event %s", id)
}

func (s *Store) CountUnsentOutbox(_ context.Context) (int, error) {
	o := &s.outbox
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, row := range o.rows {
		if row.SentAt == nil {
			n++
		}
	}
	return n, nil
}
