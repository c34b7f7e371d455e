package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ErrInvalidProviders is returned when the provider list is malformed.
var ErrInvalidProviders = errors.New("invalid providers configuration")

// ProviderConfig names one backend and the factory that builds it.
type ProviderConfig struct {
	Name   string         `mapstructure:"name" yaml:"name" json:"name"`
	Type   string         `mapstructure:"type" yaml:"type" json:"type"`
	Config map[string]any `mapstructure:"config" yaml:"config,omitempty" json:"config,omitempty"`
}

// DecodeProviders converts an untyped value (typically viper.Get("providers") or a
// decoded YAML/JSON document) into provider entries.
//
// The value must be a sequence; each element must be a map with the keys name, type
// and optionally config. Unknown keys are rejected.
func DecodeProviders(raw any) ([]ProviderConfig, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: providers must be a sequence, got nothing", ErrInvalidProviders)
	}
	kind := reflect.TypeOf(raw).Kind()
	if kind != reflect.Slice && kind != reflect.Array {
		return nil, fmt.Errorf("%w: providers must be a sequence, got %T", ErrInvalidProviders, raw)
	}

	var out []ProviderConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &out,
		TagName:     "mapstructure",
		ErrorUnused: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProviders, err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProviders, err)
	}
	if out == nil {
		out = []ProviderConfig{}
	}
	return out, nil
}

// ValidateProviders checks names and types without resolving factories.
func ValidateProviders(providers []ProviderConfig) error {
	var errs []error
	seen := make(map[string]int, len(providers))
	for index, p := range providers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("providers[%d].name is required", index))
		} else if first, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("providers[%d].name %q duplicates providers[%d]", index, name, first))
		} else {
			seen[name] = index
		}
		if strings.TrimSpace(p.Type) == "" {
			errs = append(errs, fmt.Errorf("providers[%d].type is required", index))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidProviders, errors.Join(errs...))
	}
	return nil
}

// Find returns the entry with the given name.
func (c *Config) Find(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// mergeProviderSecrets overlays secret config keys onto the entry with the same name.
// Secret entries naming an unknown provider are rejected.
func mergeProviderSecrets(providers, secrets []ProviderConfig) ([]ProviderConfig, error) {
	index := make(map[string]int, len(providers))
	for i, p := range providers {
		index[p.Name] = i
	}
	out := make([]ProviderConfig, len(providers))
	for i, p := range providers {
		out[i] = ProviderConfig{Name: p.Name, Type: p.Type, Config: copyMap(p.Config)}
	}
	for _, s := range secrets {
		i, ok := index[s.Name]
		if !ok {
			return nil, fmt.Errorf("%w: secrets reference unknown provider %q", ErrInvalidProviders, s.Name)
		}
		if out[i].Config == nil {
			out[i].Config = make(map[string]any, len(s.Config))
		}
		for k, v := range s.Config {
			out[i].Config[k] = v
		}
	}
	return out, nil
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
