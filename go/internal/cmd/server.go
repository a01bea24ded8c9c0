package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/auctionhouse/go/internal/auctionapi"
	"github.com/mcdev12/auctionhouse/go/internal/config"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/mcdev12/auctionhouse/go/internal/gateway"
	"github.com/mcdev12/auctionhouse/go/internal/metrics"
	"github.com/mcdev12/auctionhouse/go/internal/outbox"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

const (
	brokerBuffer      = 256
	relayStaleAfter   = 5 * time.Minute
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func run(ctx context.Context, cfg config.Config) error {
	be, err := setupBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up store: %w", err)
	}
	defer be.shutdown()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	clock := clockwork.NewRealClock()
	broker := events.NewBroker(brokerBuffer)

	g, ctx := errgroup.WithContext(ctx)

	pub, health, err := setupEvents(ctx, g, be, broker, clock, m, cfg)
	if err != nil {
		return err
	}

	services := setupServices(be, pub, broker, clock, m, cfg)
	g.Go(func() error { return services.Scheduler.Run(ctx) })

	connections := gateway.NewConnectionManager(broker, gateway.DefaultConnectionConfig())
	g.Go(func() error { return connections.Run(ctx) })

	server := setupServer(cfg.Server, services, connections, registry, health)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Str("store", cfg.Store).Bool("nats", cfg.NATS.Enabled).Msg("auction server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// setupEvents picks the publisher the apps write to.
//
//	memory store:        apps -> Broker
//	postgres:            apps -> outbox -> Worker -> Broker
//	postgres with NATS:  apps -> outbox -> Worker -> JetStream -> EventConsumer -> Broker
func setupEvents(ctx context.Context, g *errgroup.Group, be *backend, broker *events.Broker, clock clockwork.Clock,
	m *metrics.Collector, cfg config.Config) (events.Publisher, *outbox.HealthChecker, error) {
	if !be.durable {
		return broker, nil, nil
	}

	outboxApp := outbox.NewApp(be.repo)
	var relay outbox.Publisher = outbox.NewLocalPublisher(broker)
	var busPing outbox.Pinger

	if cfg.NATS.Enabled {
		jsCfg := outbox.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		jsCfg.StreamName = cfg.NATS.Stream

		nc, err := outbox.Connect(jsCfg)
		if err != nil {
			return nil, nil, err
		}
		g.Go(func() error {
			<-ctx.Done()
			nc.Close()
			return nil
		})

		js, err := outbox.NewJetStreamPublisher(ctx, nc, jsCfg)
		if err != nil {
			return nil, nil, err
		}
		relay = js

		consumerCfg := gateway.DefaultJetStreamConsumerConfig()
		consumerCfg.StreamName = cfg.NATS.Stream
		consumerCfg.ConsumerName = cfg.NATS.ConsumerName
		consumer, err := gateway.NewEventConsumer(ctx, nc, broker, consumerCfg)
		if err != nil {
			return nil, nil, err
		}
		g.Go(func() error { return consumer.Run(ctx) })

		busPing = func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats is %s", nc.Status())
			}
			return nil
		}
	}

	workerCfg := outbox.Config{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
		RetryDelay:   cfg.Outbox.RetryDelay,
	}
	worker := outbox.NewWorker(outboxApp, outbox.NewMetricPublisher(relay, m), workerCfg, clock, m)
	g.Go(func() error { return worker.Run(ctx) })

	listenerCfg := outbox.DefaultListenerConfig()
	listenerCfg.DatabaseURL = be.dsn
	listener, err := outbox.NewListener(worker, clock, listenerCfg)
	if err != nil {
		return nil, nil, err
	}
	g.Go(func() error { return listener.Run(ctx) })

	return events.Fanout{outboxApp}, outbox.NewHealthChecker(worker, be.ping, busPing, relayStaleAfter), nil
}

func setupServer(cfg config.ServerConfig, services *Services, connections *gateway.ConnectionManager,
	registry *prometheus.Registry, health *outbox.HealthChecker) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.CORSOrigins,
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{auctionapi.KindHeader},
	})

	path, handler := auctionapi.NewHandler(services.API)
	mux.Handle(path, handler)
	gateway.NewWebSocketHandler(connections).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	setupHealthCheck(mux, health)

	return &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func setupHealthCheck(mux *http.ServeMux, health *outbox.HealthChecker) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	if health != nil {
		mux.Handle("/health/outbox", health)
	}
}
