package app

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// ServerURL is the base URL of the agent server. Empty means same-origin,
	// which is meaningless for a terminal client, so LoadConfig fills in a
	// local default.
	ServerURL string `yaml:"server_url"`
	Theme     string `yaml:"theme"`
	LogFile   string `yaml:"log_file"`

	// ForcePoll disables the notification push channel and uses the status
	// polling endpoint instead.
	ForcePoll    bool `yaml:"force_poll"`
	PollInterval int  `yaml:"poll_interval_seconds"`
}

func DefaultConfig() Config {
	return Config{
		ServerURL:    "http://localhost:8000",
		Theme:        "porcelain",
		PollInterval: 10,
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultConfigPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if env := os.Getenv("EMCHAT_SERVER"); env != "" {
		cfg.ServerURL = env
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8000"
	}
	if cfg.Theme == "" {
		cfg.Theme = "porcelain"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10
	}
	if cfg.LogFile == "" {
		if base, err := os.UserCacheDir(); err == nil {
			cfg.LogFile = filepath.Join(base, "emchat", "emchat.log")
		}
	}
	return cfg, nil
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if path == "" {
		return errors.New("no path provided for config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "emchat", "config.yml")
}

// PollEvery converts the configured polling interval to a duration.
func (c Config) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}
