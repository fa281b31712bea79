// Package config loads broker configuration from a YAML file with
// environment variable overrides. File discovery follows first-match
// semantics: an explicit path, then pulse.yaml in the working directory,
// then ~/.pulse/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "pulse.yaml"
	homeConfigName    = "config.yaml"
)

// Config is the full broker configuration.
type Config struct {
	LogLevel  string           `yaml:"log_level" env:"PULSE_LOG_LEVEL"`
	Server    ServerConfig     `yaml:"server"`
	Bus       BusConfig        `yaml:"bus"`
	Storage   StorageConfig    `yaml:"storage"`
	Ingest    IngestConfig     `yaml:"ingest"`
	Fanout    FanoutConfig     `yaml:"fanout"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr" env:"PULSE_LISTEN_ADDR"`
	AuthToken    string `yaml:"auth_token" env:"PULSE_AUTH_TOKEN"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" env:"PULSE_MAX_BODY_BYTES"`
}

// BusConfig configures the in-memory event bus.
type BusConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer" env:"PULSE_BUS_SUBSCRIBER_BUFFER"`
	RingCapacity     int `yaml:"ring_capacity" env:"PULSE_BUS_RING_CAPACITY"`
}

// StorageConfig configures optional SQLite persistence. Empty paths keep the
// corresponding store in memory only.
type StorageConfig struct {
	EventDBPath    string   `yaml:"event_db_path" env:"PULSE_EVENT_DB_PATH"`
	JobDBPath      string   `yaml:"job_db_path" env:"PULSE_JOB_DB_PATH"`
	RetentionAge   Duration `yaml:"retention_age" env:"PULSE_RETENTION_AGE"`
	RetentionCount int      `yaml:"retention_count" env:"PULSE_RETENTION_COUNT"`
}

// IngestConfig configures gateway validation and rate limiting.
type IngestConfig struct {
	MaxPayloadBytes int     `yaml:"max_payload_bytes" env:"PULSE_MAX_PAYLOAD_BYTES"`
	EventsPerSecond float64 `yaml:"events_per_second" env:"PULSE_EVENTS_PER_SECOND"`
	Burst           int     `yaml:"burst" env:"PULSE_BURST"`
}

// FanoutConfig configures live subscriber delivery.
type FanoutConfig struct {
	BufferSize       int      `yaml:"buffer_size" env:"PULSE_FANOUT_BUFFER_SIZE"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout" env:"PULSE_HEARTBEAT_TIMEOUT"`
	DrainGrace       Duration `yaml:"drain_grace" env:"PULSE_DRAIN_GRACE"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"PULSE_TRACING_ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"PULSE_TRACING_ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"PULSE_TRACING_SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate" env:"PULSE_TRACING_SAMPLE_RATE"`
}

// ScheduleConfig declares a periodic topic.tick emission.
type ScheduleConfig struct {
	Topic string `yaml:"topic"`
	Cron  string `yaml:"cron"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:   ":8089",
			MaxBodyBytes: 1 << 20,
		},
		Ingest: IngestConfig{
			MaxPayloadBytes: 64 * 1024,
			EventsPerSecond: 100,
			Burst:           200,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "pulse",
			SampleRate:  1.0,
		},
	}
}

// Load resolves the config file (see package doc), parses it, and applies
// environment overrides. A missing file is not an error; defaults plus
// environment apply.
func Load(explicitPath string) (Config, error) {
	path, found, err := Discover(explicitPath)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if found {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Topic) == "" {
			return fmt.Errorf("config: schedule %d: topic is required", i)
		}
		if strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("config: schedule %d: cron expression is required", i)
		}
	}
	if c.Ingest.EventsPerSecond < 0 {
		return errors.New("config: ingest.events_per_second must not be negative")
	}
	return nil
}

// Discover resolves the config file location with first-match semantics.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("config: resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("config: resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".pulse", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config: file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("config: checking path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

func loadFile(cfg *Config, path string) error {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %q: %w", path, err)
	}
	return nil
}
