package session

import (
	"os"
	"strconv"
	"time"

	"github.com/SecBear/nix-sandbox-mcp/internal/config"
)

// Config is the session manager's parsed tuning parameters.
type Config struct {
	// IdleTimeout is how long a session can go unused before the reaper
	// removes it.
	IdleTimeout time.Duration

	// MaxLifetime is the hard ceiling on a session's age, regardless of
	// activity.
	MaxLifetime time.Duration

	// AgentReadyTimeout bounds how long to wait for a newly spawned
	// session agent's "ready" handshake.
	AgentReadyTimeout time.Duration

	// ReaperInterval is the tick period of the background reaper.
	ReaperInterval time.Duration
}

// DefaultConfig mirrors the daemon's built-in defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       300 * time.Second,
		MaxLifetime:       3600 * time.Second,
		AgentReadyTimeout: 30 * time.Second,
		ReaperInterval:    60 * time.Second,
	}
}

// FileOverrides is the shape of the optional --session-config YAML file
// (see SPEC_FULL.md §4.10).
type FileOverrides struct {
	IdleTimeoutSeconds    uint64 `yaml:"idle_timeout_seconds"`
	MaxLifetimeSeconds    uint64 `yaml:"max_lifetime_seconds"`
	ReaperIntervalSeconds uint64 `yaml:"reaper_interval_seconds"`
}

// Resolve builds a Config following the documented precedence, lowest to
// highest: built-in defaults < YAML file overrides < SESSION_IDLE_TIMEOUT /
// SESSION_MAX_LIFETIME env vars < the metadata document's own "session"
// block. Each layer overrides field by field: only the fields it sets
// (non-zero values) replace the lower layers' values.
func Resolve(doc *config.SessionConfigDoc, fileOverrides *FileOverrides) Config {
	cfg := DefaultConfig()

	if fileOverrides != nil {
		if fileOverrides.IdleTimeoutSeconds != 0 {
			cfg.IdleTimeout = time.Duration(fileOverrides.IdleTimeoutSeconds) * time.Second
		}
		if fileOverrides.MaxLifetimeSeconds != 0 {
			cfg.MaxLifetime = time.Duration(fileOverrides.MaxLifetimeSeconds) * time.Second
		}
		if fileOverrides.ReaperIntervalSeconds != 0 {
			cfg.ReaperInterval = time.Duration(fileOverrides.ReaperIntervalSeconds) * time.Second
		}
	}

	if v, ok := parseEnvSeconds("SESSION_IDLE_TIMEOUT"); ok {
		cfg.IdleTimeout = v
	}
	if v, ok := parseEnvSeconds("SESSION_MAX_LIFETIME"); ok {
		cfg.MaxLifetime = v
	}

	if doc != nil {
		if doc.IdleTimeoutSeconds != 0 {
			cfg.IdleTimeout = time.Duration(doc.IdleTimeoutSeconds) * time.Second
		}
		if doc.MaxLifetimeSeconds != 0 {
			cfg.MaxLifetime = time.Duration(doc.MaxLifetimeSeconds) * time.Second
		}
	}

	return cfg
}

func parseEnvSeconds(name string) (time.Duration, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
