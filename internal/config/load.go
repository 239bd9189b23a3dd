package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal errors with "did you
// mean?" suggestions — this strictness is deliberate because silently
// ignoring a typo in a config file leads to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports the zero-config
// first-run experience: endpoint and key can come entirely from environment
// variables.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
// The precedence order ensures CLI flags always win, matching user
// expectations for one-off overrides without editing the config file.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.Endpoint != "" {
		cfg.Endpoint = env.Endpoint
	}

	if env.AnonKey != "" {
		cfg.AnonKey = env.AnonKey
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.Endpoint != nil {
		cfg.Endpoint = *cli.Endpoint
	}

	if cli.DBPath != nil {
		cfg.DBPath = *cli.DBPath
	}

	// 5. Convert to concrete types and fill in defaulted paths
	resolved, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	// 6. Validate the final resolved result
	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

// resolve converts the string-typed Config into a Resolved with parsed
// durations, a byte capacity, and defaulted file locations.
func resolve(cfg *Config) (*Resolved, error) {
	requestTimeout, err := time.ParseDuration(cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("request_timeout: %w", err)
	}

	healthTimeout, err := time.ParseDuration(cfg.HealthTimeout)
	if err != nil {
		return nil, fmt.Errorf("health_timeout: %w", err)
	}

	periodic, err := time.ParseDuration(cfg.PeriodicInterval)
	if err != nil {
		return nil, fmt.Errorf("periodic_interval: %w", err)
	}

	capacity, err := ParseSize(cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("capacity: %w", err)
	}

	r := &Resolved{
		Endpoint:         cfg.Endpoint,
		ProxyEndpoint:    cfg.ProxyEndpoint,
		AnonKey:          cfg.AnonKey,
		RequestTimeout:   requestTimeout,
		HealthTimeout:    healthTimeout,
		DBPath:           cfg.DBPath,
		CapacityBytes:    capacity,
		SessionFile:      cfg.SessionFile,
		PeriodicInterval: periodic,
		Realtime:         cfg.Realtime,
		Logging:          cfg.LoggingConfig,
	}

	if r.DBPath == "" {
		r.DBPath = DefaultDBPath()
	}

	if r.SessionFile == "" {
		r.SessionFile = DefaultSessionPath()
	}

	if r.Logging.LogFile == "" {
		r.Logging.LogFile = DefaultLogPath()
	}

	return r, nil
}
