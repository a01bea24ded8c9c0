package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the channel the postgres store notifies on every insert.
// The payload is the round id of the new row.
const NotifyChannel = "auction_outbox"

type ListenerConfig struct {
	DatabaseURL       string
	Channel           string
	SweepInterval     time.Duration // wake the worker even without a notification
	KeepaliveInterval time.Duration
	MinReconnect      time.Duration
	MaxReconnect      time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Channel:           NotifyChannel,
		SweepInterval:     30 * time.Second,
		KeepaliveInterval: 90 * time.Second,
		MinReconnect:      10 * time.Second,
		MaxReconnect:      time.Minute,
	}
}

// Listener turns postgres notifications into Worker wakeups. It never reads
// outbox rows itself; the worker owns ordering and retries.
type Listener struct {
	conn   *pq.Listener
	worker *Worker
	clock  clockwork.Clock
	cfg    ListenerConfig
}

func NewListener(worker *Worker, clock clockwork.Clock, cfg ListenerConfig) (*Listener, error) {
	conn := pq.NewListener(cfg.DatabaseURL, cfg.MinReconnect, cfg.MaxReconnect, logConnEvent)
	if err := conn.Listen(cfg.Channel); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Channel, err)
	}
	return &Listener{conn: conn, worker: worker, clock: clock, cfg: cfg}, nil
}

func logConnEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		log.Warn().Err(err).Msg("outbox listener disconnected")
	case pq.ListenerEventReconnected:
		log.Info().Msg("outbox listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		log.Error().Err(err).Msg("outbox listener reconnect failed")
	}
}

// Run blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.Channel).
		Dur("sweep_interval", l.cfg.SweepInterval).
		Msg("outbox listener started")

	sweep := l.clock.NewTicker(l.cfg.SweepInterval)
	keepalive := l.clock.NewTicker(l.cfg.KeepaliveInterval)
	defer sweep.Stop()
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.conn.Close()
		case note := <-l.conn.Notify:
			// nil follows a reconnect; rows may have landed while we were away
			if note != nil {
				log.Debug().Str("round_id", note.Extra).Msg("outbox notification")
			}
			l.worker.Notify()
		case <-sweep.Chan():
			l.worker.Notify()
		case <-keepalive.Chan():
			if err := l.conn.Ping(); err != nil {
				log.Warn().Err(err).Msg("outbox listener ping failed")
			}
		}
	}
}
