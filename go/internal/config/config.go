// Package config loads the auction service configuration from an optional
// YAML file and AUCTION_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/apperr"
	"github.com/mcdev12/auctionhouse/go/internal/dbconfig"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     string          `yaml:"store"`
	Database  dbconfig.Config `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Auction   AuctionConfig   `yaml:"auction"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Logging   LoggingConfig   `yaml:"logging"`
	Fixtures  Fixtures        `yaml:"fixtures"`
}

type ServerConfig struct {
	Port        string   `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type NATSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Stream       string `yaml:"stream"`
	ConsumerName string `yaml:"consumer_name"`
}

type AuctionConfig struct {
	MinExtendMinutes       int           `yaml:"min_extend_minutes"`
	ClaimWindow            time.Duration `yaml:"claim_window"`
	AutoResolveTiebreakers bool          `yaml:"auto_resolve_tiebreakers"`
	StaleClosingAfter      time.Duration `yaml:"stale_closing_after"`
	LockTimeout            time.Duration `yaml:"lock_timeout"`
}

type SchedulerConfig struct {
	Workers          int           `yaml:"workers"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	BatchSize        int           `yaml:"batch_size"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

type OutboxConfig struct {
	BatchSize    int32         `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// Fixtures seed team budgets and eligible player pools at startup. Budgets
// only set a team's opening balance; a team the store already knows keeps
// its current one.
type Fixtures struct {
	Teams   []TeamFixture       `yaml:"teams"`
	Players []PlayerPoolFixture `yaml:"players"`
}

type TeamFixture struct {
	ID      uuid.UUID `yaml:"id"`
	Balance int64     `yaml:"balance"`
}

type PlayerPoolFixture struct {
	SeasonID uuid.UUID   `yaml:"season_id"`
	Position string      `yaml:"position"`
	IDs      []uuid.UUID `yaml:"ids"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration with database settings from DB_*.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        "8080",
			CORSOrigins: []string{"*"},
		},
		Store:    StoreMemory,
		Database: dbconfig.NewConfigFromEnv(),
		NATS: NATSConfig{
			URL:          "nats://127.0.0.1:4222",
			Stream:       "AUCTION_EVENTS",
			ConsumerName: "auction-gateway",
		},
		Auction: AuctionConfig{
			MinExtendMinutes:  5,
			ClaimWindow:       2 * time.Second,
			StaleClosingAfter: 5 * time.Minute,
			LockTimeout:       2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers:          4,
			PollInterval:     30 * time.Second,
			BatchSize:        100,
			RecoveryInterval: time.Minute,
		},
		Outbox: OutboxConfig{
			BatchSize:    100,
			PollInterval: 5 * time.Second,
			MaxRetries:   3,
			RetryDelay:   time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	setString("AUCTION_PORT", &c.Server.Port)
	setString("AUCTION_STORE", &c.Store)
	setString("AUCTION_NATS_URL", &c.NATS.URL)
	setString("AUCTION_NATS_CONSUMER", &c.NATS.ConsumerName)
	setString("AUCTION_LOG_LEVEL", &c.Logging.Level)
	errs = append(errs,
		setBool("AUCTION_NATS_ENABLED", &c.NATS.Enabled),
		setBool("AUCTION_LOG_PRETTY", &c.Logging.Pretty),
		setBool("AUCTION_AUTO_RESOLVE", &c.Auction.AutoResolveTiebreakers),
		setInt("AUCTION_MIN_EXTEND_MINUTES", &c.Auction.MinExtendMinutes),
		setInt("AUCTION_SCHEDULER_WORKERS", &c.Scheduler.Workers),
		setDuration("AUCTION_CLAIM_WINDOW", &c.Auction.ClaimWindow),
		setDuration("AUCTION_SCHEDULER_POLL", &c.Scheduler.PollInterval),
		setDuration("AUCTION_STALE_CLOSING_AFTER", &c.Auction.StaleClosingAfter),
	)
	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Port == "" {
		problems = append(problems, "server.port is required")
	}
	if c.Store != StoreMemory && c.Store != StorePostgres {
		problems = append(problems, fmt.Sprintf("store must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store))
	}
	if c.NATS.Enabled && c.Store != StorePostgres {
		problems = append(problems, "nats relay needs the postgres store")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		problems = append(problems, "nats.url is required when nats is enabled")
	}
	if c.Auction.MinExtendMinutes <= 0 {
		problems = append(problems, "auction.min_extend_minutes must be positive")
	}
	if c.Auction.ClaimWindow < 0 {
		problems = append(problems, "auction.claim_window cannot be negative")
	}
	if c.Auction.StaleClosingAfter <= 0 {
		problems = append(problems, "auction.stale_closing_after must be positive")
	}
	if c.Auction.LockTimeout <= 0 {
		problems = append(problems, "auction.lock_timeout must be positive")
	}
	if c.Scheduler.Workers <= 0 || c.Scheduler.BatchSize <= 0 || c.Scheduler.PollInterval <= 0 || c.Scheduler.RecoveryInterval <= 0 {
		problems = append(problems, "scheduler workers, batch_size, poll_interval and recovery_interval must be positive")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.PollInterval <= 0 || c.Outbox.MaxRetries < 0 {
		problems = append(problems, "outbox batch_size and poll_interval must be positive")
	}
	problems = append(problems, c.Fixtures.problems()...)

	if len(problems) > 0 {
		return apperr.Wrapf(apperr.ErrInvalidConfig, "%v", problems)
	}
	return nil
}

func (f Fixtures) problems() []string {
	var problems []string
	seen := make(map[uuid.UUID]bool)
	for i, team := range f.Teams {
		if team.ID == uuid.Nil {
			problems = append(problems, fmt.Sprintf("fixtures.teams[%d].id is required", i))
		}
		if team.Balance < 0 {
			problems = append(problems, fmt.Sprintf("fixtures.teams[%d].balance cannot be negative", i))
		}
		if seen[team.ID] {
			problems = append(problems, fmt.Sprintf("fixtures.teams[%d] repeats team %s", i, team.ID))
		}
		seen[team.ID] = true
	}
	for i, pool := range f.Players {
		if pool.SeasonID == uuid.Nil || pool.Position == "" {
			problems = append(problems, fmt.Sprintf("fixtures.players[%d] needs season_id and position", i))
		}
		if slices.Contains(pool.IDs, uuid.Nil) {
			problems = append(problems, fmt.Sprintf("fixtures.players[%d] has an empty player id", i))
		}
	}
	return problems
}

func setString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
