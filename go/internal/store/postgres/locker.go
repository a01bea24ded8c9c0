package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// AdvisoryLocker is a locker.Locker backed by session advisory locks, so
// sections are exclusive across every process sharing the database.
// Each held lock pins one pool connection until it is released.
type AdvisoryLocker struct {
	store *Store
}

// Locker returns an AdvisoryLocker over the store's pool.
func (s *Store) Locker() *AdvisoryLocker {
	return &AdvisoryLocker{store: s}
}

// Lock blocks until the advisory lock for key is held or ctx is done.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.store.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn for lock %s: %w", key, err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		// A cancelled wait can leave the session in an unknown state.
		conn.Conn().Close(context.Background())
		conn.Release()
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key)
			if err != nil {
				log.Error().Err(err).Str("key", key).Msg("failed to release advisory lock, dropping connection")
				conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, nil
}
