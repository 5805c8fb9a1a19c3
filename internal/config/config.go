package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Docstore       DocstoreConfig       `yaml:"docstore"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Auction        AuctionConfig        `yaml:"auction"`
	Discord        DiscordConfig        `yaml:"discord"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// DatabaseConfig holds connection settings for the primary relational store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// DocstoreConfig holds connection settings for the secondary document store.
// The mirror worker writes best-effort snapshots here; it is never part of a
// primary-store transaction.
type DocstoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the document store connection string.
func (d DocstoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// AuctionConfig holds finalization and tiebreaker tuning.
type AuctionConfig struct {
	// TiebreakerCeiling is the wall-clock window after which an unresolved
	// tiebreaker is flagged for manual resolution.
	TiebreakerCeiling time.Duration `yaml:"tiebreaker_ceiling"`
	// SweepInterval is how often the background sweeper re-checks expired
	// rounds and tiebreaker ceilings.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// MirrorInterval is how often the outbox worker drains pending mirror
	// writes.
	MirrorInterval time.Duration `yaml:"mirror_interval"`
	// MirrorMaxAttempts bounds retries before an outbox entry is parked as
	// failed.
	MirrorMaxAttempts int `yaml:"mirror_max_attempts"`
}

// DiscordConfig holds settings for the Discord notifier.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// LeaderElectionConfig holds Kubernetes leader election settings for the
// sweeper. Only the leader replica runs periodic sweeps; lazy finalization
// on request paths runs everywhere.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config pre-populated with defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Docstore: DocstoreConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "squadbid",
			ServiceVersion: "0.1.0",
		},
		Auction: AuctionConfig{
			TiebreakerCeiling: 24 * time.Hour,
			SweepInterval:     time.Minute,
			MirrorInterval:    5 * time.Second,
			MirrorMaxAttempts: 10,
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "squadbid-sweeper",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}
	if c.Auction.TiebreakerCeiling <= 0 {
		return fmt.Errorf("auction.tiebreaker_ceiling must be positive, got %s", c.Auction.TiebreakerCeiling)
	}
	if c.Auction.MirrorMaxAttempts < 1 {
		return fmt.Errorf("auction.mirror_max_attempts must be at least 1, got %d", c.Auction.MirrorMaxAttempts)
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required when discord.enabled is true")
	}
	if c.Discord.Enabled && c.Discord.ChannelID == "" {
		return fmt.Errorf("discord.channel_id is required when discord.enabled is true")
	}
	return nil
}
