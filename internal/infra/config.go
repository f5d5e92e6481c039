package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"market_sync/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the sync core. Sensitive values may be
// overridden through environment variables after loading.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Exchange struct {
		WSURL          string   `yaml:"ws_url"`
		DefaultSymbols []string `yaml:"default_symbols"`
		Reconnect      struct {
			BaseDelayMS int `yaml:"base_delay_ms"`
			MaxDelayMS  int `yaml:"max_delay_ms"`
			MaxAttempts int `yaml:"max_attempts"`
			GraceMS     int `yaml:"grace_ms"` // pause between manual disconnect and redial
		} `yaml:"reconnect"`
	} `yaml:"exchange"`

	Backend struct {
		WSURL     string `yaml:"ws_url"`
		Reconnect struct {
			BaseDelayMS int `yaml:"base_delay_ms"`
			MaxDelayMS  int `yaml:"max_delay_ms"`
			MaxAttempts int `yaml:"max_attempts"`
		} `yaml:"reconnect"`
		Heartbeat struct {
			CheckIntervalMS int `yaml:"check_interval_ms"`
			TimeoutMS       int `yaml:"timeout_ms"`
		} `yaml:"heartbeat"`
		InitialDataDelayMS int `yaml:"initial_data_delay_ms"`
	} `yaml:"backend"`

	Batcher struct {
		SizeThreshold    int `yaml:"size_threshold"`
		FlushIntervalMS  int `yaml:"flush_interval_ms"`
		StatsIntervalMS  int `yaml:"stats_interval_ms"`
		StatusIntervalMS int `yaml:"status_interval_ms"`
	} `yaml:"batcher"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !isWSURL(c.Exchange.WSURL) {
		return fmt.Errorf("invalid exchange WS URL: %s", c.Exchange.WSURL)
	}
	if !isWSURL(c.Backend.WSURL) {
		return fmt.Errorf("invalid backend WS URL: %s", c.Backend.WSURL)
	}
	if c.Exchange.Reconnect.BaseDelayMS <= 0 || c.Exchange.Reconnect.MaxDelayMS < c.Exchange.Reconnect.BaseDelayMS {
		return fmt.Errorf("invalid exchange reconnect delays")
	}
	if c.Backend.Reconnect.BaseDelayMS <= 0 || c.Backend.Reconnect.MaxDelayMS < c.Backend.Reconnect.BaseDelayMS {
		return fmt.Errorf("invalid backend reconnect delays")
	}
	if c.Backend.Heartbeat.CheckIntervalMS <= 0 || c.Backend.Heartbeat.TimeoutMS <= c.Backend.Heartbeat.CheckIntervalMS {
		return fmt.Errorf("heartbeat check interval must be shorter than the timeout")
	}
	if c.Batcher.SizeThreshold <= 0 {
		return fmt.Errorf("batcher size threshold must be positive")
	}
	if c.Batcher.FlushIntervalMS <= 0 {
		return fmt.Errorf("batcher flush interval must be positive")
	}
	for _, s := range c.Exchange.DefaultSymbols {
		if s != strings.ToUpper(s) {
			return fmt.Errorf("default symbols must be uppercase: %s", s)
		}
	}
	return nil
}

func isWSURL(s string) bool {
	return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
}

// overrideWithEnv applies environment variable overrides when present.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("MARKETSYNC_EXCHANGE_WS_URL"); url != "" {
		cfg.Exchange.WSURL = url
	}
	if url := os.Getenv("MARKETSYNC_BACKEND_WS_URL"); url != "" {
		cfg.Backend.WSURL = url
	}
	if level := os.Getenv("MARKETSYNC_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
