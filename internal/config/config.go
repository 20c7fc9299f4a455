package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the server-level YAML configuration. Secrets never live here;
// they come from the environment (see Env).
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cooks     CookConfig      `yaml:"cooks"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Events    EventsConfig    `yaml:"events"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type CookConfig struct {
	MaxInflight int `yaml:"max_inflight"`
}

type TimeoutConfig struct {
	ImageMs    int64 `yaml:"image_ms"`
	VideoMs    int64 `yaml:"video_ms"`
	TrainingMs int64 `yaml:"training_ms"`
	WatchdogMs int64 `yaml:"watchdog_ms"`
}

type OracleConfig struct {
	Confirmations int64 `yaml:"confirmations"`
	PollSeconds   int   `yaml:"poll_seconds"`
}

type EventsConfig struct {
	PubSubEnabled bool   `yaml:"pubsub_enabled"`
	ProjectID     string `yaml:"project_id"`
	TopicID       string `yaml:"topic_id"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Load reads the YAML config at path. A missing file yields defaults so the
// server can boot from environment alone.
func Load(path string) (*Config, error) {
	cfg := defaults()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

func defaults() *Config {
	c := &Config{}
	c.fillDefaults()
	return c
}

func (c *Config) fillDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Cooks.MaxInflight <= 0 {
		c.Cooks.MaxInflight = 2
	}
	if c.Timeouts.ImageMs <= 0 {
		c.Timeouts.ImageMs = 60_000
	}
	if c.Timeouts.VideoMs <= 0 {
		c.Timeouts.VideoMs = 300_000
	}
	if c.Timeouts.TrainingMs <= 0 {
		c.Timeouts.TrainingMs = (2 * time.Hour).Milliseconds()
	}
	if c.Timeouts.WatchdogMs <= 0 {
		c.Timeouts.WatchdogMs = 5_000
	}
	if c.Oracle.Confirmations <= 0 {
		c.Oracle.Confirmations = 3
	}
	if c.Oracle.PollSeconds <= 0 {
		c.Oracle.PollSeconds = 15
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 120
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
}
