package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and are chosen so the engine works
// against a stock deployment without any config file.
const (
	defaultRequestTimeout   = "15s"
	defaultHealthTimeout    = "3s"
	defaultCapacity         = "4.5MiB"
	defaultPeriodicInterval = "5m"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultLogRetentionDays = 30
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		ServerConfig:  defaultServerConfig(),
		StoreConfig:   defaultStoreConfig(),
		SyncConfig:    defaultSyncConfig(),
		LoggingConfig: defaultLoggingConfig(),
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		RequestTimeout: defaultRequestTimeout,
		HealthTimeout:  defaultHealthTimeout,
	}
}

func defaultStoreConfig() StoreConfig {
	return StoreConfig{
		Capacity: defaultCapacity,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		PeriodicInterval: defaultPeriodicInterval,
		Realtime:         true,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		LogRetentionDays: defaultLogRetentionDays,
	}
}
