package config

import (
	"fmt"
	"os"

	"github.com/downfa11-org/go-producer/util"
	"gopkg.in/yaml.v3"
)

// Config holds the producer tunables, including the idempotent/transactional
// delivery options and queue sizing.
type Config struct {
	// Identity & transactions
	TransactionalID      string `yaml:"transactional_id" json:"transactional.id"`
	EnableIdempotence    bool   `yaml:"enable_idempotence" json:"enable.idempotence"`
	TransactionTimeoutMS int    `yaml:"transaction_timeout_ms" json:"transaction.timeout.ms"`

	// Queueing & batching
	QueueCapacity int `yaml:"queue_capacity" json:"queue.buffering.max.messages"`
	BatchSize     int `yaml:"batch_size" json:"batch.num.messages"`
	MaxInFlight   int `yaml:"max_in_flight" json:"max.in.flight"`
	LingerMS      int `yaml:"linger_ms" json:"linger.ms"`

	// Retries & timeouts
	RetryBackoffMS    int `yaml:"retry_backoff_ms" json:"retry.backoff.ms"`
	RetryBackoffMaxMS int `yaml:"retry_backoff_max_ms" json:"retry.backoff.max.ms"`
	RequestTimeoutMS  int `yaml:"request_timeout_ms" json:"request.timeout.ms"`
	MessageTimeoutMS  int `yaml:"message_timeout_ms" json:"message.timeout.ms"`

	// Observability
	EnableExporter bool          `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int           `yaml:"exporter_port" json:"exporter.port"`
	LogLevel       util.LogLevel `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		EnableIdempotence:    true,
		TransactionTimeoutMS: 60000,
		QueueCapacity:        100000,
		BatchSize:            10000,
		MaxInFlight:          5,
		LingerMS:             5,
		RetryBackoffMS:       100,
		RetryBackoffMaxMS:    1000,
		RequestTimeoutMS:     30000,
		MessageTimeoutMS:     300000,
		ExporterPort:         9100,
		LogLevel:             util.LogLevelInfo,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	util.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// Transactional reports whether a transactional id is configured.
func (c *Config) Transactional() bool {
	return c.TransactionalID != ""
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("max_in_flight must be positive, got %d", c.MaxInFlight)
	}
	if c.Transactional() && !c.EnableIdempotence {
		return fmt.Errorf("transactional delivery requires enable_idempotence")
	}
	if c.RetryBackoffMS <= 0 {
		return fmt.Errorf("retry_backoff_ms must be positive, got %d", c.RetryBackoffMS)
	}
	if c.RetryBackoffMaxMS < c.RetryBackoffMS {
		return fmt.Errorf("retry_backoff_max_ms %d below retry_backoff_ms %d",
			c.RetryBackoffMaxMS, c.RetryBackoffMS)
	}
	return nil
}
