package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "HEYSYNC_CONFIG"
	EnvEndpoint = "HEYSYNC_ENDPOINT"
	EnvAnonKey  = "HEYSYNC_ANON_KEY"
)

// EnvOverrides holds values derived from environment variables.
// The anon key override exists so deployments can keep the API key out of
// the config file entirely.
type EnvOverrides struct {
	ConfigPath string // HEYSYNC_CONFIG: override config file path
	Endpoint   string // HEYSYNC_ENDPOINT: override the direct endpoint
	AnonKey    string // HEYSYNC_ANON_KEY: override the API key
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Endpoint:   os.Getenv(EnvEndpoint),
		AnonKey:    os.Getenv(EnvAnonKey),
	}
}
