// Package config implements the Supervisor's environment contract (spec
// §6): a single env var, KITTY_PREWARM_CONFIG, carrying
// {paths:[str], overrides:[str]} at startup and on every
// reload_kitty_config command.
package config

import (
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/fenwick-labs/prewarmd/pkg/jsonx"
)

// EnvVar is the name of the environment variable the Supervisor reads at
// startup and repopulates on reload (spec §6).
const EnvVar = "KITTY_PREWARM_CONFIG"

// Config is the decoded env/reload payload.
type Config struct {
	Paths     []string `json:"paths"`
	Overrides []string `json:"overrides"`
}

// Store holds the live configuration snapshot. Reads never block: the poll
// loop consults Snapshot() once per fork without taking any lock, since
// config changes are rare (one reload command) and fork is the hot path.
type Store struct {
	cur   atomic.Pointer[Config]
	group singleflight.Group
}

// NewStore builds a Store from the given env var value (spec §6's startup
// contract). An empty value yields an empty Config rather than an error,
// matching the original's tolerance of a missing/blank env var at startup.
func NewStore(envValue string) (*Store, error) {
	s := &Store{}
	if envValue == "" {
		s.cur.Store(&Config{})
		return s, nil
	}
	cfg, err := decode(envValue)
	if err != nil {
		return nil, err
	}
	s.cur.Store(cfg)
	return s, nil
}

// Snapshot returns the currently active configuration.
func (s *Store) Snapshot() *Config {
	return s.cur.Load()
}

// Apply re-applies configuration from a reload_kitty_config command's JSON
// payload. Concurrent Apply calls for the same raw payload are coalesced
// via singleflight and share one decode; calls made one after another (as
// the Supervisor's single-threaded loop makes them) each decode.
func (s *Store) Apply(rawJSON string) error {
	_, err, _ := s.group.Do(rawJSON, func() (any, error) {
		cfg, err := decode(rawJSON)
		if err != nil {
			return nil, err
		}
		s.cur.Store(cfg)
		return cfg, nil
	})
	return err
}

func decode(rawJSON string) (*Config, error) {
	var cfg Config
	if err := jsonx.ParseJSONObject(strings.NewReader(rawJSON), &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s payload: %w", EnvVar, err)
	}
	return &cfg, nil
}
