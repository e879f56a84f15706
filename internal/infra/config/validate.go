package config

import (
	"fmt"
	"strings"
)

// ValidationError collects all config validation failures so the user can
// fix them in one pass.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(e.Errors, "\n  - ")
}

// HasErrors reports whether any validation failures were recorded.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Add records a validation failure.
func (e *ValidationError) Add(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

var validVendorTypes = map[string]bool{
	"openai":     true,
	"anthropic":  true,
	"openrouter": true,
	"ollama":     true,
	"bedrock":    true,
}

// Validate checks the whole config and returns a ValidationError listing
// every problem found, or nil when the config is usable.
//
// A vendor with an empty api_key is not a validation error: keyless vendors
// still register and list their models, and the missing credential surfaces
// as a configuration error when a chat request is actually sent.
func Validate(cfg *Config) error {
	ve := &ValidationError{}

	validateVendors(cfg, ve)
	validateLogger(cfg, ve)
	validateRecorder(cfg, ve)
	validateRefresh(cfg, ve)
	validateRateLimit(cfg, ve)

	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateVendors(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, v := range cfg.Vendors {
		if v.Name == "" {
			ve.Add("vendors[%d]: name must not be empty", i)
			continue
		}
		if seen[v.Name] {
			ve.Add("vendors[%d]: duplicate vendor name %q", i, v.Name)
		}
		seen[v.Name] = true

		if !validVendorTypes[v.Type] {
			ve.Add("vendor %s: unknown type %q", v.Name, v.Type)
		}
		if v.Type == "bedrock" && v.Region == "" {
			ve.Add("vendor %s: bedrock requires a region", v.Name)
		}
		if v.ConnTimeout < 0 {
			ve.Add("vendor %s: conn_timeout must not be negative", v.Name)
		}
		if v.HeaderTimeout < 0 {
			ve.Add("vendor %s: header_timeout must not be negative", v.Name)
		}

		validateModels(v, ve)
	}
}

func validateModels(v VendorConfig, ve *ValidationError) {
	defaults := 0
	ids := make(map[string]bool)
	for _, m := range v.Models {
		if m.ID == "" {
			ve.Add("vendor %s: model with empty id", v.Name)
			continue
		}
		if ids[m.ID] {
			ve.Add("vendor %s: duplicate model id %q", v.Name, m.ID)
		}
		ids[m.ID] = true
		if m.Default {
			defaults++
		}
	}
	if defaults > 1 {
		ve.Add("vendor %s: at most one model may be marked default, found %d", v.Name, defaults)
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch cfg.Logger.Level {
	case "", "debug", "info", "warn", "error":
	default:
		ve.Add("logger: unknown level %q", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger: unknown format %q", cfg.Logger.Format)
	}
}

func validateRecorder(cfg *Config, ve *ValidationError) {
	if cfg.Recorder.Enabled && cfg.Recorder.Path == "" {
		ve.Add("recorder: path must be set when the recorder is enabled")
	}
}

func validateRefresh(cfg *Config, ve *ValidationError) {
	if cfg.Refresh.Enabled && cfg.Refresh.Schedule == "" {
		ve.Add("refresh: schedule must be set when refresh is enabled")
	}
}

func validateRateLimit(cfg *Config, ve *ValidationError) {
	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerMin <= 0 {
		ve.Add("rate_limit: requests_per_min must be positive when enabled")
	}
	for _, v := range cfg.Vendors {
		if v.RateLimit != nil && v.RateLimit.Enabled && v.RateLimit.RequestsPerMin <= 0 {
			ve.Add("vendor %s: rate_limit.requests_per_min must be positive when enabled", v.Name)
		}
	}
}
