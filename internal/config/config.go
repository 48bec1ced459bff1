package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment overrides applied by ApplyEnv.
const (
	EnvToken    = "GEOCHAT_TOKEN"
	EnvEndpoint = "GEOCHAT_ENDPOINT"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents the global ~/.geochat/config.toml.
type Config struct {
	DefaultSession string          `toml:"default_session"`
	Chat           ChatConfig      `toml:"chat"`
	Reconnect      ReconnectConfig `toml:"reconnect"`
	Position       PositionConfig  `toml:"position"`
	Auth           AuthConfig      `toml:"auth"`
	Log            LogConfig       `toml:"log"`
}

type ChatConfig struct {
	Endpoint       string   `toml:"endpoint"`
	RadiusInMeters float64  `toml:"radius_in_meters"`
	MaxMessages    int      `toml:"max_messages"` // 0 keeps every message
	WriteTimeout   Duration `toml:"write_timeout"`
}

type ReconnectConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
}

// PositionConfig pins the viewer to a fixed point. Without lat/long the
// position is unknown and no handshake is sent.
type PositionConfig struct {
	Lat          *float64 `toml:"lat,omitempty"`
	Long         *float64 `toml:"long,omitempty"`
	PollInterval Duration `toml:"poll_interval"`
}

type AuthConfig struct {
	Token string `toml:"token,omitempty"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Chat: ChatConfig{
			Endpoint:       "ws://localhost:8080/ws",
			RadiusInMeters: 100,
			WriteTimeout:   Duration{5 * time.Second},
		},
		Reconnect: ReconnectConfig{
			InitialDelay: Duration{250 * time.Millisecond},
			MaxDelay:     Duration{10 * time.Second},
		},
		Position: PositionConfig{
			PollInterval: Duration{5 * time.Minute},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ApplyEnv overrides the token and endpoint from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvToken); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Chat.Endpoint = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Chat.Endpoint)
	if err != nil {
		return fmt.Errorf("chat.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("chat.endpoint: scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Chat.RadiusInMeters <= 0 {
		return fmt.Errorf("chat.radius_in_meters must be positive, got %v", c.Chat.RadiusInMeters)
	}
	if c.Chat.MaxMessages < 0 {
		return fmt.Errorf("chat.max_messages must not be negative, got %d", c.Chat.MaxMessages)
	}
	if c.Reconnect.InitialDelay.Duration <= 0 {
		return errors.New("reconnect.initial_delay must be positive")
	}
	if c.Reconnect.MaxDelay.Duration < c.Reconnect.InitialDelay.Duration {
		return errors.New("reconnect.max_delay must not be below initial_delay")
	}
	if (c.Position.Lat == nil) != (c.Position.Long == nil) {
		return errors.New("position: lat and long must be set together")
	}
	if c.Position.Lat != nil && (*c.Position.Lat < -90 || *c.Position.Lat > 90) {
		return fmt.Errorf("position.lat out of range: %v", *c.Position.Lat)
	}
	if c.Position.Long != nil && (*c.Position.Long < -180 || *c.Position.Long > 180) {
		return fmt.Errorf("position.long out of range: %v", *c.Position.Long)
	}
	return nil
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
