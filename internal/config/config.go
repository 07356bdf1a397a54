// Package config resolves the broker's execution environments and project
// mounting from Nix-generated metadata: a required JSON document passed via
// an environment variable, optionally augmented by a scanned directory of
// standalone sandbox artifacts.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	envMetadataVar     = "NIX_SANDBOX_METADATA"
	envSandboxDirVar   = "NIX_SANDBOX_DIR"
	envProjectDirVar   = "PROJECT_DIR"
	envProjectMountVar = "PROJECT_MOUNT"

	defaultTimeoutSeconds = 30
	defaultMemoryMB       = 512
	defaultMountPoint     = "/project"
)

// BackendType names an isolation backend. Only Jail is implemented; Microvm
// is declared so metadata documents that reference it fail with a clear
// "not supported" error instead of silently defaulting.
type BackendType string

const (
	BackendJail    BackendType = "jail"
	BackendMicrovm BackendType = "microvm"
)

// EnvironmentMeta is an immutable descriptor for one named execution
// environment, assembled once at startup and never mutated thereafter.
type EnvironmentMeta struct {
	Backend BackendType `json:"backend"`

	// Exec is the ephemeral wrapper executable; required.
	Exec string `json:"exec"`

	// SessionExec is the session wrapper executable. Absent means sessions
	// are refused for this environment.
	SessionExec *string `json:"session_exec,omitempty"`

	TimeoutSeconds uint64 `json:"timeout_seconds,omitempty"`
	MemoryMB       uint64 `json:"memory_mb,omitempty"`

	// InterpreterType overrides name-based interpreter resolution (see
	// session.ResolveInterpreter). Custom sandbox artifacts set this explicitly;
	// bundled presets usually leave it unset and rely on name matching.
	InterpreterType *string `json:"interpreter_type,omitempty"`
}

// InheritEnv lists host environment variable names to copy into spawned
// children, on top of PROJECT_DIR/PROJECT_MOUNT. Supplements the
// distributed config with a generically useful pass-through mechanism
// present in the original daemon's project configuration.
type InheritEnv struct {
	Vars []string `json:"vars,omitempty"`
}

// ProjectConfig describes the host project directory mounted into every
// sandbox, always read-only.
type ProjectConfig struct {
	Path       string     `json:"path,omitempty"`
	MountPoint string     `json:"mount_point,omitempty"`
	UseFlake   bool       `json:"use_flake,omitempty"`
	InheritEnv InheritEnv `json:"inherit_env,omitempty"`
}

// SessionConfigDoc is the optional "session" block inside the metadata
// document. When present it takes precedence over both the YAML tuning
// override and the SESSION_IDLE_TIMEOUT/SESSION_MAX_LIFETIME env vars — it
// is the most specific, Nix-generated source of truth.
type SessionConfigDoc struct {
	IdleTimeoutSeconds  uint64 `json:"idle_timeout_seconds,omitempty"`
	MaxLifetimeSeconds  uint64 `json:"max_lifetime_seconds,omitempty"`
}

// Config is the broker's top-level, fully resolved configuration.
type Config struct {
	Environments map[string]EnvironmentMeta `json:"environments"`
	Project      *ProjectConfig             `json:"project,omitempty"`
	Session      *SessionConfigDoc          `json:"session,omitempty"`
}

// sandboxArtifactMeta is the shape of a scanned sandbox's metadata.json,
// distinct from EnvironmentMeta because scanned artifacts don't know their
// own exec paths — those are derived from the directory layout.
type sandboxArtifactMeta struct {
	Name            string `json:"name"`
	InterpreterType string `json:"interpreter_type"`
	TimeoutSeconds  uint64 `json:"timeout_seconds,omitempty"`
	MemoryMB        uint64 `json:"memory_mb,omitempty"`
}

// FromEnv loads configuration from NIX_SANDBOX_METADATA.
func FromEnv() (Config, error) {
	raw, ok := os.LookupEnv(envMetadataVar)
	if !ok {
		return Config{}, fmt.Errorf("config: %s not set - are you running via the Nix wrapper?", envMetadataVar)
	}
	return FromJSON(raw)
}

// FromJSON parses a metadata document from a raw JSON string. Exported
// (rather than test-only) because it is also how a non-Nix caller could
// supply configuration directly.
func FromJSON(raw string) (Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", envMetadataVar, err)
	}
	for name, meta := range cfg.Environments {
		if meta.Backend == BackendMicrovm {
			return Config{}, fmt.Errorf("config: environment %q: backend %q is not supported", name, meta.Backend)
		}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	for name, meta := range cfg.Environments {
		if meta.TimeoutSeconds == 0 {
			meta.TimeoutSeconds = defaultTimeoutSeconds
		}
		if meta.MemoryMB == 0 {
			meta.MemoryMB = defaultMemoryMB
		}
		cfg.Environments[name] = meta
	}
}

// ScanSandboxDir scans dir for standalone sandbox artifacts. Each
// subdirectory contributes one environment if it contains metadata.json and
// bin/run; bin/session-run, if present, becomes the session wrapper.
// Invalid entries are logged and skipped; an unreadable or missing dir
// yields an empty map rather than an error.
func ScanSandboxDir(dir string, logger *slog.Logger) map[string]EnvironmentMeta {
	if logger == nil {
		logger = slog.Default()
	}
	envs := make(map[string]EnvironmentMeta)

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Debug("cannot read sandbox directory", "path", dir, "error", err)
		return envs
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		metaPath := filepath.Join(path, "metadata.json")
		metaBytes, err := os.ReadFile(metaPath)
		if err != nil {
			logger.Warn("skipping sandbox: cannot read metadata.json", "path", metaPath, "error", err)
			continue
		}

		var artifact sandboxArtifactMeta
		if err := json.Unmarshal(metaBytes, &artifact); err != nil {
			logger.Warn("skipping sandbox: invalid metadata.json", "path", metaPath, "error", err)
			continue
		}

		runPath := filepath.Join(path, "bin", "run")
		if _, err := os.Stat(runPath); err != nil {
			logger.Warn("skipping sandbox: bin/run not found", "sandbox", artifact.Name, "path", runPath)
			continue
		}

		var sessionExec *string
		sessionRunPath := filepath.Join(path, "bin", "session-run")
		if _, err := os.Stat(sessionRunPath); err == nil {
			sessionExec = &sessionRunPath
		}

		timeout := artifact.TimeoutSeconds
		if timeout == 0 {
			timeout = defaultTimeoutSeconds
		}
		memory := artifact.MemoryMB
		if memory == 0 {
			memory = defaultMemoryMB
		}
		interpreterType := artifact.InterpreterType

		logger.Info("discovered sandbox", "name", artifact.Name, "path", path)
		envs[artifact.Name] = EnvironmentMeta{
			Backend:         BackendJail,
			Exec:            runPath,
			SessionExec:     sessionExec,
			TimeoutSeconds:  timeout,
			MemoryMB:        memory,
			InterpreterType: &interpreterType,
		}
	}

	return envs
}

// MergeEnvironments merges scanned sandbox environments into cfg. Scanned
// environments always win on name collision; the collision is logged.
func (cfg *Config) MergeEnvironments(extra map[string]EnvironmentMeta, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Environments == nil {
		cfg.Environments = make(map[string]EnvironmentMeta)
	}
	for name, meta := range extra {
		if _, exists := cfg.Environments[name]; exists {
			logger.Info("custom sandbox overrides bundled environment", "name", name)
		}
		cfg.Environments[name] = meta
	}
}

// ResolvedProjectDir resolves the project directory to an absolute path.
// PROJECT_DIR wins only if it names an existing directory; otherwise the
// declared project path is used (made absolute relative to the broker's
// working directory if it isn't already). Returns ok=false when PROJECT_DIR
// does not name an existing directory and no project is declared; the
// declared path itself is not checked for existence.
func (cfg *Config) ResolvedProjectDir() (dir string, ok bool) {
	if envDir, set := os.LookupEnv(envProjectDirVar); set {
		if info, err := os.Stat(envDir); err == nil && info.IsDir() {
			if abs, err := filepath.Abs(envDir); err == nil {
				return abs, true
			}
			return envDir, true
		}
	}

	if cfg.Project == nil {
		return "", false
	}
	path := cfg.Project.Path
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) {
		return path, true
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = ""
	}
	return filepath.Join(wd, path), true
}

// ProjectMount resolves the sandbox mount point for the project directory:
// PROJECT_MOUNT env var, else the declared mount point, else "/project".
func (cfg *Config) ProjectMount() string {
	if mount, set := os.LookupEnv(envProjectMountVar); set {
		return mount
	}
	if cfg.Project != nil && cfg.Project.MountPoint != "" {
		return cfg.Project.MountPoint
	}
	return defaultMountPoint
}

// ProjectEnvVars builds the environment variable pairs (NAME=value) to add
// to a spawned child when a project directory is configured: PROJECT_DIR,
// PROJECT_MOUNT, PROJECT_USE_FLAKE (only when true), and any inherited host
// variables that are actually set.
func (cfg *Config) ProjectEnvVars() []string {
	dir, ok := cfg.ResolvedProjectDir()
	if !ok {
		return nil
	}
	vars := []string{
		fmt.Sprintf("PROJECT_DIR=%s", dir),
		fmt.Sprintf("PROJECT_MOUNT=%s", cfg.ProjectMount()),
	}
	if cfg.Project != nil && cfg.Project.UseFlake {
		vars = append(vars, "PROJECT_USE_FLAKE=1")
	}
	if cfg.Project != nil {
		for _, name := range cfg.Project.InheritEnv.Vars {
			if value, set := os.LookupEnv(name); set {
				vars = append(vars, fmt.Sprintf("%s=%s", name, value))
			}
		}
	}
	return vars
}

// SandboxDirFromEnv returns the NIX_SANDBOX_DIR value, if set.
func SandboxDirFromEnv() (string, bool) {
	return os.LookupEnv(envSandboxDirVar)
}
