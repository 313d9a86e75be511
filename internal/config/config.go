package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "15s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText round-trips durations when saving config.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Gateway configures the telephony gateway the messaging channel talks to.
type Gateway struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	Token   string `toml:"token"`
}

// Graph configures the OneDrive drive client.
type Graph struct {
	TenantID     string `toml:"tenant_id"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	DriveID      string `toml:"drive_id"`
}

// Extract configures the document field extraction endpoint.
type Extract struct {
	Endpoint string `toml:"endpoint"`
	APIKey   string `toml:"api_key"`
	Model    string `toml:"model"`
}

// Channel configures the event channel reconnect policy.
type Channel struct {
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	MaxAttempts    int      `toml:"max_attempts"`
}

// Sync configures delivery confirmation bounds and scheduled jobs.
type Sync struct {
	ConfirmationTimeout Duration `toml:"confirmation_timeout"`
	ReconcileSchedule   string   `toml:"reconcile_schedule"`
	StoragePollSchedule string   `toml:"storage_poll_schedule"`
}

// Config represents the global ~/.deskhub/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Gateway        Gateway `toml:"gateway"`
	Graph          Graph   `toml:"graph"`
	Extract        Extract `toml:"extract"`
	Channel        Channel `toml:"channel"`
	Sync           Sync    `toml:"sync"`
}

// Default returns a config with only the defaults applied. Used when no
// config file exists yet.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads config from the given path and applies defaults for unset values.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Gateway.WSURL == "" {
		return fmt.Errorf("gateway.ws_url is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Channel.InitialBackoff.Duration == 0 {
		c.Channel.InitialBackoff.Duration = time.Second
	}
	if c.Channel.MaxBackoff.Duration == 0 {
		c.Channel.MaxBackoff.Duration = 30 * time.Second
	}
	if c.Channel.MaxAttempts == 0 {
		c.Channel.MaxAttempts = 10
	}
	if c.Sync.ConfirmationTimeout.Duration == 0 {
		c.Sync.ConfirmationTimeout.Duration = 15 * time.Second
	}
	if c.Sync.ReconcileSchedule == "" {
		c.Sync.ReconcileSchedule = "@every 2m"
	}
	if c.Sync.StoragePollSchedule == "" {
		c.Sync.StoragePollSchedule = "@every 5m"
	}
}
