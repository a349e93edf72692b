package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"outpost/internal/logging"
)

const (
	defaultCommandTimeoutMS = 1000
	defaultMailboxSize      = 128
)

// Config is the daemon's deployment configuration.
type Config struct {
	// Helper locates the watcher helper binary run for every monitor.
	Helper HelperConfig `yaml:"helper"`

	// CommandTimeoutMS bounds every command's wait for a helper
	// response. One value per deployment, not per call.
	CommandTimeoutMS int `yaml:"command-timeout-ms"`

	// MailboxSize bounds each subscriber's mailbox.
	MailboxSize int `yaml:"mailbox-size"`

	// Monitors are started at daemon boot.
	Monitors []MonitorConfig `yaml:"monitors"`

	// Relay configures the websocket event relay. An empty listen
	// address disables it.
	Relay RelayConfig `yaml:"relay"`

	LogLevel string `yaml:"log-level"`
}

type HelperConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

type MonitorConfig struct {
	Name    string   `yaml:"name"`
	Watches []string `yaml:"watches"`
}

type RelayConfig struct {
	ListenAddr     string   `yaml:"listen-addr"`
	AllowedOrigins []string `yaml:"allowed-origins"`
}

// Load reads and validates a config file. A missing path yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(payload, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg = normalize(cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CommandTimeout is CommandTimeoutMS as a duration.
func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

// Level is the parsed log level.
func (c Config) Level() logging.Level {
	level, ok := logging.ParseLevel(c.LogLevel)
	if !ok {
		return logging.LevelInfo
	}
	return level
}

func defaults() Config {
	return Config{
		CommandTimeoutMS: defaultCommandTimeoutMS,
		MailboxSize:      defaultMailboxSize,
		LogLevel:         string(logging.LevelInfo),
	}
}

func normalize(cfg Config) Config {
	if cfg.CommandTimeoutMS <= 0 {
		cfg.CommandTimeoutMS = defaultCommandTimeoutMS
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = string(logging.LevelInfo)
	}
	return cfg
}

func validate(cfg Config) error {
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	seen := make(map[string]bool, len(cfg.Monitors))
	for _, monitor := range cfg.Monitors {
		if strings.TrimSpace(monitor.Name) == "" {
			return fmt.Errorf("monitor with empty name")
		}
		if seen[monitor.Name] {
			return fmt.Errorf("duplicate monitor name %q", monitor.Name)
		}
		seen[monitor.Name] = true
	}
	if len(cfg.Monitors) > 0 && strings.TrimSpace(cfg.Helper.Path) == "" {
		return fmt.Errorf("monitors configured but helper.path is empty")
	}
	return nil
}
