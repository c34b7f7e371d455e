package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "warning", "error"}
	validLogFormats = []string{"json", "text", "console"}
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if !contains(validLogLevels, c.Observability.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", c.Observability.LogLevel, validLogLevels))
	}
	if !contains(validLogFormats, c.Observability.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", c.Observability.LogFormat, validLogFormats))
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing_sample_rate must be between 0 and 1, got %v", c.Observability.TracingSampleRate))
	}
	if c.Observability.TracingEnabled && strings.TrimSpace(c.Observability.TracingEndpoint) == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if err := ValidateProviders(c.Providers); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// String returns the configuration with credentials in URLs masked.
func (c *Config) String() string {
	return c.Redacted(nil)
}

// Redacted renders the configuration, masking every provider config key that came
// from the secrets file as well as passwords embedded in URLs.
func (c *Config) Redacted(secrets *Config) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "service.name: %s\n", c.Service.Name)
	fmt.Fprintf(&sb, "service.environment: %s\n", c.Service.Environment)
	fmt.Fprintf(&sb, "observability.log_level: %s\n", c.Observability.LogLevel)
	fmt.Fprintf(&sb, "observability.log_format: %s\n", c.Observability.LogFormat)
	fmt.Fprintf(&sb, "observability.tracing_enabled: %t\n", c.Observability.TracingEnabled)
	fmt.Fprintf(&sb, "observability.tracing_endpoint: %s\n", c.Observability.TracingEndpoint)
	fmt.Fprintf(&sb, "observability.tracing_sample_rate: %v\n", c.Observability.TracingSampleRate)
	for i, p := range c.RedactedProviders(secrets) {
		prefix := fmt.Sprintf("providers[%d]", i)
		fmt.Fprintf(&sb, "%s.name: %s\n", prefix, p.Name)
		fmt.Fprintf(&sb, "%s.type: %s\n", prefix, p.Type)
		keys := make([]string, 0, len(p.Config))
		for k := range p.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s.config.%s: %v\n", prefix, k, p.Config[k])
		}
	}
	return sb.String()
}

// RedactedProviders returns copies of the provider entries safe to print: keys supplied
// by the secrets file become "***" and URL passwords are masked.
func (c *Config) RedactedProviders(secrets *Config) []ProviderConfig {
	masked := map[string]map[string]bool{}
	if secrets != nil {
		for _, s := range secrets.Providers {
			keys := masked[s.Name]
			if keys == nil {
				keys = map[string]bool{}
				masked[s.Name] = keys
			}
			for k := range s.Config {
				keys[k] = true
			}
		}
	}

	out := make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		out[i] = ProviderConfig{Name: p.Name, Type: p.Type}
		if p.Config == nil {
			continue
		}
		out[i].Config = make(map[string]any, len(p.Config))
		for k, v := range p.Config {
			if masked[p.Name][k] {
				out[i].Config[k] = "***"
				continue
			}
			if s, ok := v.(string); ok {
				v = redactURL(s)
			}
			out[i].Config[k] = v
		}
	}
	return out
}

func redactURL(value string) string {
	if !strings.Contains(value, "://") {
		return value
	}
	u, err := url.Parse(value)
	if err != nil || u.User == nil {
		return value
	}
	return u.Redacted()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
