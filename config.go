package quotaledger

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ledger configuration.
type Config struct {
	Timezone      string        `yaml:"timezone"`
	MaxTxAttempts int           `yaml:"max_tx_attempts"`
	Plans         Plans         `yaml:"plans"`
	Store         StoreConfig   `yaml:"store"`
	Tickets       TicketsConfig `yaml:"tickets"`
	Sweep         SweepConfig   `yaml:"sweep"`
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// StoreConfig selects and configures the store backend.
type StoreConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	TablePrefix   string `yaml:"table_prefix"`
}

// TicketsConfig describes the ticket packs on sale.
type TicketsConfig struct {
	Currency string                `yaml:"currency"`
	Packs    map[string]TicketPack `yaml:"packs"`
}

// TicketPack is one purchasable bundle of seconds.
type TicketPack struct {
	PriceID string `yaml:"price_id"`
	Seconds int64  `yaml:"seconds"`
}

// SweepConfig configures the retention sweeper.
type SweepConfig struct {
	Schedule string `yaml:"schedule"`
	Limit    int    `yaml:"limit"`
	BlobRoot string `yaml:"blob_root"`
}

// DefaultTicketPacks returns the built-in ticket catalog.
func DefaultTicketPacks() map[string]TicketPack {
	return map[string]TicketPack{
		"t120":  {PriceID: "price_T120", Seconds: 7200},
		"t240":  {PriceID: "price_T240", Seconds: 14400},
		"t360":  {PriceID: "price_T360", Seconds: 21600},
		"t1200": {PriceID: "price_T1200", Seconds: 72000},
		"t1800": {PriceID: "price_T1800", Seconds: 108000},
		"t3000": {PriceID: "price_T3000", Seconds: 180000},
	}
}

// DefaultConfig returns a configuration using the in-memory store, the
// default plans and JST.
func DefaultConfig() Config {
	return Config{
		Timezone:      "Asia/Tokyo",
		MaxTxAttempts: DefaultMaxAttempts,
		Plans:         DefaultPlans(),
		Store:         StoreConfig{Backend: BackendMemory},
		Tickets:       TicketsConfig{Currency: "JPY", Packs: DefaultTicketPacks()},
		Sweep:         SweepConfig{Schedule: "@every 1h", Limit: DefaultSweepLimit},
	}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
// Omitted sections keep their DefaultConfig values; a configured plan
// replaces the default plan of the same name.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotaledger: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data. See LoadConfig.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("quotaledger: parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.MaxTxAttempts == 0 {
		c.MaxTxAttempts = def.MaxTxAttempts
	}
	plans := def.Plans
	for name, p := range c.Plans {
		plans[name] = p
	}
	c.Plans = plans
	if c.Store.Backend == "" {
		c.Store.Backend = def.Store.Backend
	}
	if c.Tickets.Currency == "" {
		c.Tickets.Currency = def.Tickets.Currency
	}
	if len(c.Tickets.Packs) == 0 {
		c.Tickets.Packs = def.Tickets.Packs
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = def.Sweep.Schedule
	}
	if c.Sweep.Limit == 0 {
		c.Sweep.Limit = def.Sweep.Limit
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.MaxTxAttempts < 0 {
		return fmt.Errorf("quotaledger: config: max_tx_attempts must be >= 0")
	}

	if _, ok := c.Plans[PlanFree]; !ok {
		return fmt.Errorf("quotaledger: config: plan %q is required", PlanFree)
	}
	for name, p := range c.Plans {
		if p.MonthlyAllowanceSeconds < 0 {
			return fmt.Errorf("quotaledger: config: plans.%s: monthly_allowance_seconds must be >= 0", name)
		}
		if p.DailyCapSeconds != nil && *p.DailyCapSeconds < 0 {
			return fmt.Errorf("quotaledger: config: plans.%s: daily_cap_seconds must be >= 0", name)
		}
		if p.MaxSessionSeconds <= 0 {
			return fmt.Errorf("quotaledger: config: plans.%s: max_session_seconds is required", name)
		}
		if p.RetentionDays < 0 {
			return fmt.Errorf("quotaledger: config: plans.%s: retention_days must be >= 0", name)
		}
		if p.CreateRateLimitPerMin < 0 {
			return fmt.Errorf("quotaledger: config: plans.%s: create_rate_limit_per_min must be >= 0", name)
		}
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("quotaledger: config: store.redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("quotaledger: config: store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("quotaledger: config: invalid store.backend %q", c.Store.Backend)
	}

	for id, pack := range c.Tickets.Packs {
		if pack.Seconds <= 0 {
			return fmt.Errorf("quotaledger: config: tickets.packs.%s: seconds must be > 0", id)
		}
	}

	if c.Sweep.Limit < 0 {
		return fmt.Errorf("quotaledger: config: sweep.limit must be >= 0")
	}

	return nil
}

// Location resolves Timezone. Asia/Tokyo and JST map to a fixed UTC+9
// zone so no tz database is needed for the default.
func (c Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Asia/Tokyo", "JST":
		return DefaultLocation, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("quotaledger: config: invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// PackSeconds returns the seconds granted by a ticket pack.
func (c TicketsConfig) PackSeconds(packID string) (int64, bool) {
	p, ok := c.Packs[packID]
	if !ok {
		return 0, false
	}
	return p.Seconds, true
}

// EngineOptions returns the engine options implied by the config.
func (c Config) EngineOptions() ([]Option, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	return []Option{
		WithPlans(c.Plans),
		WithLocation(loc),
		WithMaxAttempts(c.MaxTxAttempts),
	}, nil
}
