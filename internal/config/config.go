package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Classifier ClassifierConfig `json:"classifier"`
	Bus        BusConfig        `json:"bus"`
	Registry   RegistryConfig   `json:"registry"`
	Memory     MemoryConfig     `json:"memory"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type ClassifierConfig struct {
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
}

type BusConfig struct {
	// RedeliveryTimeoutSec is how long a delivered message may sit
	// unacknowledged before it becomes claimable again.
	RedeliveryTimeoutSec int `json:"redelivery_timeout_sec"`
	// RetentionHours is how long terminal messages stay queryable.
	RetentionHours int `json:"retention_hours"`
	MaxReceive     int `json:"max_receive"`
	// PollIntervalMs drives the subscription dispatcher.
	PollIntervalMs int `json:"poll_interval_ms"`
}

type RegistryConfig struct {
	HeartbeatIntervalSec int `json:"heartbeat_interval_sec"`
	LivenessTimeoutSec   int `json:"liveness_timeout_sec"`
}

type MemoryConfig struct {
	DecayHalfLifeHours int `json:"decay_half_life_hours"`
	ExternalTimeoutSec int `json:"external_timeout_sec"`
}

// RedeliveryTimeout returns the bus redelivery window, or zero to use the
// built-in default.
func (c BusConfig) RedeliveryTimeout() time.Duration {
	return time.Duration(c.RedeliveryTimeoutSec) * time.Second
}

func (c BusConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c BusConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c RegistryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c RegistryConfig) LivenessTimeout() time.Duration {
	return time.Duration(c.LivenessTimeoutSec) * time.Second
}

func (c MemoryConfig) DecayHalfLife() time.Duration {
	return time.Duration(c.DecayHalfLifeHours) * time.Hour
}

func (c MemoryConfig) ExternalTimeout() time.Duration {
	return time.Duration(c.ExternalTimeoutSec) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
