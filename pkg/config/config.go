// Package config loads the nostrdoc configuration file.
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

	"github.com/nbd-wtf/go-nostr"
	"gopkg.in/yaml.v3"

	"github.com/astromechza/nostr-automerge/pkg/envelope"
	"github.com/astromechza/nostr-automerge/pkg/provider"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	// Relays are the websocket urls documents are synchronised through.
	Relays []string `yaml:"relays"`
	// SecretKey is the hex signing key. A fresh key is generated per run when empty.
	SecretKey string `yaml:"secret_key,omitempty"`
	Kind      int    `yaml:"kind"`

	Debounce          time.Duration `yaml:"debounce"`
	MaxPendingUpdates int           `yaml:"max_pending_updates"`
	MaxPendingBytes   int           `yaml:"max_pending_bytes"`
	CreateTimeout     time.Duration `yaml:"create_timeout"`
	RequireEcho       bool          `yaml:"require_echo,omitempty"`

	// Database holds local replicas between runs.
	Database       string        `yaml:"database"`
	BackupInterval time.Duration `yaml:"backup_interval"`

	Relay RelayConfig `yaml:"relay"`
}

// RelayConfig configures the built-in relay server.
type RelayConfig struct {
	Listen   string `yaml:"listen"`
	Database string `yaml:"database"`
	Name     string `yaml:"name,omitempty"`
}

func Default() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Kind == 0 {
		c.Kind = envelope.KindCRDTUpdate
	}
	if c.Debounce == 0 {
		c.Debounce = provider.DefaultDebounce
	}
	if c.MaxPendingUpdates == 0 {
		c.MaxPendingUpdates = provider.DefaultMaxPendingUpdates
	}
	if c.MaxPendingBytes == 0 {
		c.MaxPendingBytes = provider.DefaultMaxPendingBytes
	}
	if c.CreateTimeout == 0 {
		c.CreateTimeout = provider.DefaultCreateTimeout
	}
	if c.Database == "" {
		c.Database = "nostrdoc.sqlite3"
	}
	if c.BackupInterval == 0 {
		c.BackupInterval = 5 * time.Second
	}
	if c.Relay.Listen == "" {
		c.Relay.Listen = "localhost:7447"
	}
	if c.Relay.Database == "" {
		c.Relay.Database = "relay.sqlite3"
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	for _, u := range c.Relays {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			errs = append(errs, fmt.Errorf("relay %q is not a websocket url", u))
		}
	}
	if c.SecretKey != "" {
		if _, err := nostr.GetPublicKey(c.SecretKey); err != nil {
			errs = append(errs, fmt.Errorf("secret_key is not a valid key: %w", err))
		}
	}
	if c.Kind < 0 || c.Kind > 65535 {
		errs = append(errs, fmt.Errorf("kind %d is out of range", c.Kind))
	}
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce must not be negative"))
	}
	if c.MaxPendingUpdates < 0 || c.MaxPendingBytes < 0 {
		errs = append(errs, fmt.Errorf("pending buffer limits must not be negative"))
	}
	if c.BackupInterval < 0 {
		errs = append(errs, fmt.Errorf("backup_interval must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Load reads path, applies defaults and validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes yaml from r, rejecting unknown fields.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	var c Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ProviderOptions converts the configuration into provider options.
func (c *Config) ProviderOptions(logger *slog.Logger) provider.Options {
	return provider.Options{
		Kind:              c.Kind,
		SecretKey:         c.SecretKey,
		Debounce:          c.Debounce,
		MaxPendingUpdates: c.MaxPendingUpdates,
		MaxPendingBytes:   c.MaxPendingBytes,
		CreateTimeout:     c.CreateTimeout,
		RequireEcho:       c.RequireEcho,
		Logger:            logger,
	}
}
