package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minRequestTimeout   = 1 * time.Second
	minHealthTimeout    = 1 * time.Second
	minPeriodicInterval = 1 * time.Minute
	minCapacityBytes    = 64 * 1024 // below this the mirror evicts constantly
	minLogRetention     = 1
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.ServerConfig)...)
	errs = append(errs, validateStore(&cfg.StoreConfig)...)
	errs = append(errs, validateSync(&cfg.SyncConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	errs = append(errs, validateEndpointURL("endpoint", s.Endpoint)...)
	errs = append(errs, validateEndpointURL("proxy_endpoint", s.ProxyEndpoint)...)
	errs = append(errs, validateDurationMin("request_timeout", s.RequestTimeout, minRequestTimeout)...)
	errs = append(errs, validateDurationMin("health_timeout", s.HealthTimeout, minHealthTimeout)...)

	return errs
}

// validateEndpointURL accepts an empty value (endpoint may come from the
// environment, proxy_endpoint is optional) but rejects malformed URLs.
func validateEndpointURL(field, value string) []error {
	if value == "" {
		return nil
	}

	u, err := url.Parse(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid URL %q: %w", field, value, err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("%s: must be an http or https URL, got %q", field, value)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("%s: missing host in %q", field, value)}
	}

	return nil
}

func validateStore(s *StoreConfig) []error {
	var errs []error

	if s.Capacity != "" && s.Capacity != "0" {
		bytes, err := ParseSize(s.Capacity)
		if err != nil {
			errs = append(errs, fmt.Errorf("capacity: %w", err))
		} else if bytes < minCapacityBytes {
			errs = append(errs, fmt.Errorf("capacity: must be at least %d bytes, got %q", minCapacityBytes, s.Capacity))
		}
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	return validateDurationMin("periodic_interval", s.PeriodicInterval, minPeriodicInterval)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

// ValidateResolved checks constraints that only make sense after the full
// override chain has been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.Endpoint == "" {
		errs = append(errs, fmt.Errorf("endpoint: not configured; set it in the config file or %s", EnvEndpoint))
	}

	if r.DBPath == "" {
		errs = append(errs, errors.New("db_path: could not determine a data directory"))
	}

	return errors.Join(errs...)
}
