// Package config loads and hot-reloads Callosum's runtime configuration:
// the state directory, timeouts, instance identity, transport mode, and
// the tier rule file (spec.md §6 "Configuration" and "Rule file").
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/gocallosum/callosum/pkg/classifier"
)

// ErrInvalid marks a malformed configuration: an empty state directory,
// or a tiers.json that doesn't parse. Corresponds to spec.md §7's
// ConfigError kind.
var ErrInvalid = errors.New("config: invalid configuration")

// Mode selects where the coordination store lives.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Config is the fully resolved configuration, after merging the config
// file, environment variables, and flags (in that ascending order of
// precedence — flags win).
type Config struct {
	StateDir        string `yaml:"stateDir"`
	LockExpiryMs    int64  `yaml:"lockExpiryMs"`
	RecentWindowMs  int64  `yaml:"recentWindowMs"`
	ContextWindowMs int64  `yaml:"contextWindowMs"`
	InstanceID      string `yaml:"instanceId"`
	Mode            Mode   `yaml:"mode"`
	ServerURL       string `yaml:"serverUrl"`
	TimeoutMs       int64  `yaml:"timeoutMs"`
	RulesPath       string `yaml:"rulesPath"`
	Backend         string `yaml:"backend"` // "sqlite" or "file"
}

// LockExpiry, RecentWindow, ContextWindow, and Timeout expose the
// integer millisecond fields as time.Duration for callers that build
// pkg/gate.Config from this.
func (c Config) LockExpiry() time.Duration    { return time.Duration(c.LockExpiryMs) * time.Millisecond }
func (c Config) RecentWindow() time.Duration  { return time.Duration(c.RecentWindowMs) * time.Millisecond }
func (c Config) ContextWindow() time.Duration { return time.Duration(c.ContextWindowMs) * time.Millisecond }
func (c Config) Timeout() time.Duration       { return time.Duration(c.TimeoutMs) * time.Millisecond }

// Defaults returns the values named as defaults in spec.md §6.
func Defaults() Config {
	return Config{
		StateDir:        "./.callosum",
		LockExpiryMs:    300000,
		RecentWindowMs:  3600000,
		ContextWindowMs: 1800000,
		Mode:            ModeLocal,
		TimeoutMs:       5000,
		Backend:         "sqlite",
	}
}

// Overrides carries flag-sourced values; a nil pointer field means "not
// set on the command line" and leaves the file/env value untouched.
type Overrides struct {
	StateDir   *string
	InstanceID *string
	Mode       *string
	ServerURL  *string
	RulesPath  *string
	Backend    *string
}

// Load resolves configuration from, in ascending precedence: built-in
// defaults, an optional YAML file at path (skipped if path is empty or
// the file doesn't exist), environment variables prefixed CALLOSUM_,
// then explicit flag overrides. A persistent instance ID is generated
// and written to stateDir/instance-id on first run if none is configured.
func Load(path string, ov Overrides) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	applyOverrides(&cfg, ov)

	if cfg.StateDir == "" {
		return Config{}, fmt.Errorf("%w: stateDir must not be empty", ErrInvalid)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return Config{}, fmt.Errorf("create state dir %s: %w", cfg.StateDir, err)
	}

	if cfg.InstanceID == "" {
		id, err := loadOrCreateInstanceID(cfg.StateDir)
		if err != nil {
			return Config{}, err
		}
		cfg.InstanceID = id
	}

	if cfg.RulesPath == "" {
		cfg.RulesPath = filepath.Join(cfg.StateDir, "tiers.json")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CALLOSUM_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("CALLOSUM_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv("CALLOSUM_LOCK_EXPIRY_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.LockExpiryMs = n
		}
	}
	if v := os.Getenv("CALLOSUM_RECENT_WINDOW_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RecentWindowMs = n
		}
	}
	if v := os.Getenv("CALLOSUM_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("CALLOSUM_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("CALLOSUM_RULES_PATH"); v != "" {
		cfg.RulesPath = v
	}
	if v := os.Getenv("CALLOSUM_BACKEND"); v != "" {
		cfg.Backend = v
	}
}

func applyOverrides(cfg *Config, ov Overrides) {
	if ov.StateDir != nil && *ov.StateDir != "" {
		cfg.StateDir = *ov.StateDir
	}
	if ov.InstanceID != nil && *ov.InstanceID != "" {
		cfg.InstanceID = *ov.InstanceID
	}
	if ov.Mode != nil && *ov.Mode != "" {
		cfg.Mode = Mode(*ov.Mode)
	}
	if ov.ServerURL != nil && *ov.ServerURL != "" {
		cfg.ServerURL = *ov.ServerURL
	}
	if ov.RulesPath != nil && *ov.RulesPath != "" {
		cfg.RulesPath = *ov.RulesPath
	}
	if ov.Backend != nil && *ov.Backend != "" {
		cfg.Backend = *ov.Backend
	}
}

func loadOrCreateInstanceID(stateDir string) (string, error) {
	idPath := filepath.Join(stateDir, "instance-id")
	data, err := os.ReadFile(idPath)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read instance id: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(idPath, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("persist instance id: %w", err)
	}
	return id, nil
}

// LoadRules loads the tier rule file (spec.md §6's tiers.json). A
// missing file falls back to classifier.DefaultRules(), matching the
// spec's "if absent, a built-in default rule set is used."
func LoadRules(path string) ([]classifier.RuleSpec, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return classifier.DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var rf classifier.RuleFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("%w: parse rules %s: %v", ErrInvalid, path, err)
	}
	return rf.Rules, nil
}

