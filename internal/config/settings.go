package config

import (
	"sync/atomic"
	"time"
)

// Settings is the hot-reloadable subset of the configuration read on the
// proxy's per-message path.
type Settings struct {
	PoolMode           string
	ClientLoginTimeout time.Duration
	ClientIdleTimeout  time.Duration
}

// Store publishes an immutable Settings snapshot. Reads are lock-free via
// atomic.Value; Replace swaps in a whole new snapshot on reload.
type Store struct {
	snap atomic.Value // holds *Settings
}

// NewStore creates a store seeded from cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.Replace(cfg)
	return s
}

// Load returns the current snapshot. The returned value must not be mutated.
func (s *Store) Load() *Settings {
	return s.snap.Load().(*Settings)
}

// Replace publishes a new snapshot built from cfg.
func (s *Store) Replace(cfg *Config) {
	s.snap.Store(&Settings{
		PoolMode:           cfg.PoolMode,
		ClientLoginTimeout: cfg.ClientLoginTimeoutD(),
		ClientIdleTimeout:  cfg.ClientIdleTimeoutD(),
	})
}
