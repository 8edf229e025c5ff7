// Package config loads and validates the daemon configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the full flowexecd configuration. Zero values take the
// defaults applied by Load.
type Config struct {
	Worker   WorkerConfig   `yaml:"worker"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	API      APIConfig      `yaml:"api"`
}

// WorkerConfig tunes the execution workers.
type WorkerConfig struct {
	// ID identifies this process in claims and logs. Defaults to a
	// hostname-qualified UUID.
	ID string `yaml:"id"`

	// Concurrency caps in-flight executions per worker.
	Concurrency int `yaml:"concurrency" validate:"gte=1"`

	// ClaimTimeoutMs is the claim lease TTL.
	ClaimTimeoutMs int `yaml:"claim_timeout_ms" validate:"gte=1000"`

	// HeartbeatIntervalMs must be at most a third of the claim TTL.
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms" validate:"gte=100"`

	// ClaimExpirationCheckIntervalMs is the in-worker expiry sweep period.
	ClaimExpirationCheckIntervalMs int `yaml:"claim_expiration_check_interval_ms" validate:"gte=1000"`

	// DebugPoll enables command handling for debug tasks.
	DebugPoll bool `yaml:"debug_poll"`
}

// RecoveryConfig tunes the recovery sweeper.
type RecoveryConfig struct {
	Enabled         bool `yaml:"enabled"`
	ScanIntervalMs  int  `yaml:"scan_interval_ms" validate:"gte=1000"`
	MaxFailureCount int  `yaml:"max_failure_count" validate:"gte=1"`
}

// KafkaConfig locates the task and event topics.
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers" validate:"min=1,dive,required"`
	TaskTopic         string   `yaml:"task_topic" validate:"required"`
	EventTopic        string   `yaml:"event_topic" validate:"required"`
	PartitionCount    int      `yaml:"partition_count" validate:"gte=1"`
	ReplicationFactor int      `yaml:"replication_factor" validate:"gte=1"`
	ConsumerGroup     string   `yaml:"consumer_group" validate:"required"`
}

// RedisConfig locates the command bus.
type RedisConfig struct {
	Addr           string `yaml:"addr" validate:"required"`
	CommandChannel string `yaml:"command_channel" validate:"required"`
}

// PostgresConfig locates the execution store.
type PostgresConfig struct {
	DSN string `yaml:"dsn" validate:"required"`
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	Listen string `yaml:"listen" validate:"required"`
}

// Default returns a configuration with every default applied, suitable
// for a single-node development setup.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			ID:                             "",
			Concurrency:                    4,
			ClaimTimeoutMs:                 30_000,
			HeartbeatIntervalMs:            5_000,
			ClaimExpirationCheckIntervalMs: 30_000,
			DebugPoll:                      true,
		},
		Recovery: RecoveryConfig{
			Enabled:         true,
			ScanIntervalMs:  30_000,
			MaxFailureCount: 5,
		},
		Kafka: KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			TaskTopic:         "flowexec.tasks",
			EventTopic:        "flowexec.events",
			PartitionCount:    16,
			ReplicationFactor: 1,
			ConsumerGroup:     "flowexec-workers",
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			CommandChannel: "flowexec.commands",
		},
		Postgres: PostgresConfig{
			DSN: "postgres://flowexec@localhost/flowexec",
		},
		API: APIConfig{
			Listen: ":8080",
		},
	}
}

// Load reads a YAML config file over the defaults and validates the
// result. An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "flowexec"
		}
		c.Worker.ID = host + "-" + uuid.NewString()
	}
}

// Validate checks field constraints plus the cross-field invariants the
// coordination plane depends on.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// A heartbeat slower than a third of the TTL loses healthy claims
	// after a single missed beat.
	if c.Worker.HeartbeatIntervalMs > c.Worker.ClaimTimeoutMs/3 {
		return fmt.Errorf("invalid config: heartbeat_interval_ms (%d) must be at most claim_timeout_ms/3 (%d)",
			c.Worker.HeartbeatIntervalMs, c.Worker.ClaimTimeoutMs/3)
	}
	return nil
}
