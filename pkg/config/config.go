package config

// EnvPrefix is the environment variable prefix used by the tenantstore binary.
const EnvPrefix = "TENANTSTORE"

// Config holds all configuration for a tenantstore process.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	// Providers is decoded separately from the raw "providers" key, see DecodeProviders.
	Providers []ProviderConfig `mapstructure:"-"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ObservabilityConfig configures logging and tracing
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"` // json, text
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	TracingInsecure   bool    `mapstructure:"tracing_insecure"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "tenantstore",
			Environment: "production",
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingEnabled:    false,
			TracingEndpoint:   "localhost:4317",
			TracingInsecure:   true,
			TracingSampleRate: 0.1,
		},
	}
}
