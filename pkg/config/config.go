// Package config loads labcoord configuration.
//
// Values come from three layers, later ones winning:
//
//  1. built-in defaults (Default),
//  2. a YAML file named by --config or LABCOORD_CONFIG, if any,
//  3. environment overrides (LABCOORD_DB, LABCOORD_LOG_LEVEL).
//
// ${VAR} references in database.path are expanded from the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvConfig   = "LABCOORD_CONFIG"
	EnvDB       = "LABCOORD_DB"
	EnvLogLevel = "LABCOORD_LOG_LEVEL"
	EnvActor    = "LABCOORD_ACTOR"
	EnvRole     = "LABCOORD_ROLE"
)

// DefaultDBPath is used when neither the file nor the environment name one.
const DefaultDBPath = ".labcoord/labcoord.db"

// Config is the full configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Notify      NotifyConfig      `yaml:"notify"`
	Log         LogConfig         `yaml:"log"`
	Reservation ReservationConfig `yaml:"reservation"`
}

// DatabaseConfig configures the SQLite entity store.
type DatabaseConfig struct {
	// Path is the database file. The CLI creates its parent directory.
	Path string `yaml:"path"`

	// BusyTimeout bounds how long a writer waits for the write lock.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// NotifyConfig configures the notification dispatcher.
type NotifyConfig struct {
	// QueueSize is the dispatcher buffer; notifications beyond it are dropped.
	QueueSize int `yaml:"queue_size"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// ReservationConfig configures the reservation engine.
type ReservationConfig struct {
	// SlotSearchHorizon is how far ahead FindSlot looks by default.
	SlotSearchHorizon time.Duration `yaml:"slot_search_horizon"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:         DefaultDBPath,
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 4,
		},
		Notify: NotifyConfig{QueueSize: 256},
		Log:    LogConfig{Level: "info", Format: "text"},
		Reservation: ReservationConfig{
			SlotSearchHorizon: 14 * 24 * time.Hour,
		},
	}
}

// Load builds the configuration from path (skipped when empty) and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.Database.Path = os.ExpandEnv(cfg.Database.Path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return c.decode(data)
}

// decode merges YAML into c. Unknown keys are errors so that a typo does
// not silently fall back to a default.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDB); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Database.BusyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("database.busy_timeout must be positive, got %s", c.Database.BusyTimeout))
	}
	if c.Database.MaxOpenConns <= 0 {
		errs = append(errs, fmt.Errorf("database.max_open_conns must be positive, got %d", c.Database.MaxOpenConns))
	}
	if c.Notify.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("notify.queue_size must be positive, got %d", c.Notify.QueueSize))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Reservation.SlotSearchHorizon <= 0 {
		errs = append(errs, fmt.Errorf("reservation.slot_search_horizon must be positive, got %s", c.Reservation.SlotSearchHorizon))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: unknown level %q", l.Level)
	}
	return lvl, nil
}

// NewLogger builds a logger writing to w. verbose forces debug level.
func (l LogConfig) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	lvl, err := l.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Marshal renders c as YAML in the layout Load reads.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteFile writes c to path. An existing file is left alone and the
// returned error wraps os.ErrExist.
func (c *Config) WriteFile(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	return f.Close()
}
