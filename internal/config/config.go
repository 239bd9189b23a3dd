// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for heysync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags) and
// rejects unknown keys with "did you mean?" suggestions.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// All keys are flat at the top level; the embedded sub-structs exist to keep
// related settings together in code.
type Config struct {
	ServerConfig
	StoreConfig
	SyncConfig
	LoggingConfig
}

// ServerConfig controls the remote endpoints and HTTP client behavior.
// proxy_endpoint is the regional relay the client fails over to when the
// direct endpoint stops answering; leave it empty to disable failover.
type ServerConfig struct {
	Endpoint       string `toml:"endpoint"`
	ProxyEndpoint  string `toml:"proxy_endpoint"`
	AnonKey        string `toml:"anon_key"`
	RequestTimeout string `toml:"request_timeout"`
	HealthTimeout  string `toml:"health_timeout"`
}

// StoreConfig controls the local mirror: database location, the soft
// capacity cap that triggers tiered eviction, and the session cache file.
type StoreConfig struct {
	DBPath      string `toml:"db_path"`
	Capacity    string `toml:"capacity"`
	SessionFile string `toml:"session_file"`
}

// SyncConfig controls watch-mode behavior.
type SyncConfig struct {
	PeriodicInterval string `toml:"periodic_interval"`
	Realtime         bool   `toml:"realtime"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Endpoint   *string // --endpoint flag
	DBPath     *string // --db flag
}

// Resolved is the fully merged, parsed configuration ready for use: string
// durations and sizes are converted to their concrete types and all paths
// are absolute.
type Resolved struct {
	Endpoint       string
	ProxyEndpoint  string
	AnonKey        string
	RequestTimeout time.Duration
	HealthTimeout  time.Duration

	DBPath        string
	CapacityBytes int64
	SessionFile   string

	PeriodicInterval time.Duration
	Realtime         bool

	Logging LoggingConfig
}
