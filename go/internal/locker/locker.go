// Package locker provides named exclusive sections.
//
// Callers that need more than one section take them in the order
// round, player, team so concurrent operations never wait on each other in a
// cycle.
package locker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Locker grants exclusive sections by key. The returned unlock func is safe to
// call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// RoundKey guards finalize passes, tiebreaker resolution and deletion of a round.
func RoundKey(roundID uuid.UUID) string {
	return "round:" + roundID.String()
}

// PlayerKey guards allocation of a player within a season.
func PlayerKey(seasonID, playerID uuid.UUID) string {
	return "player:" + seasonID.String() + ":" + playerID.String()
}

// TeamKey guards a team's budget reservations and debits.
func TeamKey(teamID uuid.UUID) string {
	return "team:" + teamID.String()
}

// KeyedMutex is an in-process Locker. Idle keys are dropped so the map only
// holds keys that are locked or waited on.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
