package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Publisher relays one outbox row to its destination.
type Publisher interface {
	Publish(ctx context.Context, event OutboxEvent) error
}

// LocalPublisher hands relayed events to an in-process events.Publisher,
// usually the Broker, when no message bus is configured.
type LocalPublisher struct {
	pub events.Publisher
}

func NewLocalPublisher(pub events.Publisher) *LocalPublisher {
	return &LocalPublisher{pub: pub}
}

func (p *LocalPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	ev, err := event.Event()
	if err != nil {
		return err
	}
	return p.pub.Publish(ctx, ev)
}

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	Replicas        int
	DuplicateWindow time.Duration // Window for msg-id de-duplication
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "AUCTION_EVENTS",
		SubjectPrefix:   "auction.events",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// Subject is the subject an event is published on: <prefix>.<round>.<type>.
func (c JetStreamConfig) Subject(event OutboxEvent) string {
	return fmt.Sprintf("%s.%s.%s", c.SubjectPrefix, event.RoundID, event.EventType)
}

// JetStreamPublisher publishes outbox rows to a JetStream stream. Each message
// carries the dedupe key as its msg-id, so a row relayed twice is stored once.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	config JetStreamConfig
}

// Connect dials the bus named by cfg. Connection state changes are logged;
// publishes made while disconnected fail and are retried by the worker.
func Connect(cfg JetStreamConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("auctionhouse"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

func NewJetStreamPublisher(ctx context.Context, nc *nats.Conn, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{js: js, config: cfg}
	if err := p.ensureStream(ctx); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

// ensureStream provisions the stream, or reconciles an existing one with
// the configured retention and dedupe window.
func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	stream, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Auction lifecycle events relayed from the outbox",
		Subjects:    []string{p.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.config.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    p.config.Replicas,
		Duplicates:  p.config.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to provision stream %s: %w", p.config.StreamName, err)
	}
	info := stream.CachedInfo()
	log.Info().
		Str("stream", info.Config.Name).
		Uint64("messages", info.State.Msgs).
		Msg("JetStream stream ready")
	return nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	ev, err := event.Event()
	if err != nil {
		return err
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	subject := p.config.Subject(event)
	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{event.EventType},
			"Round-ID":   []string{event.RoundID.String()},
			"Event-ID":   []string{event.ID.String()},
		},
	},
		jetstream.WithMsgID(ev.DedupeKey()),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", event.ID.String()).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published to JetStream")
	return nil
}
