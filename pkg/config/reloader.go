package config

import (
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// Reconfigurable is implemented by components that can pick up configuration
// changes at runtime, typically on SIGHUP. Only settings a component can
// change without restarting (log level, staleness threshold, rate limits)
// should be applied; the rest is ignored until restart.
type Reconfigurable interface {
	// Reconfigure applies a new configuration to the component.
	// It should return an error if the new configuration is invalid or
	// cannot be applied.
	Reconfigure(newConfig *Config) error
}

// Reloader re-reads the configuration file and applies it to registered
// components.
type Reloader struct {
	mu         sync.Mutex
	components []Reconfigurable
	configPath string
	logger     zerolog.Logger
}

// NewReloader creates a new Reloader.
func NewReloader(configPath string, logger zerolog.Logger) *Reloader {
	return &Reloader{
		configPath: configPath,
		logger:     logger.With().Str("component", "reloader").Logger(),
	}
}

// Register adds a component to the list of components to be reconfigured on
// reload.
func (r *Reloader) Register(c Reconfigurable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = append(r.components, c)
}

// PerformReload loads the configuration from disk and applies it to all
// registered components. A configuration that fails to load or validate
// aborts the reload; the running configuration stays in effect.
func (r *Reloader) PerformReload() {
	newConfig, err := Load(r.configPath)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to load new configuration file, keeping current one")
		return
	}
	r.ReloadWithConfig(newConfig)
}

// ReloadWithConfig applies a new configuration object to all registered
// components.
func (r *Reloader) ReloadWithConfig(newConfig *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, component := range r.components {
		t := reflect.TypeOf(component)
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		componentName := t.Name()
		if err := component.Reconfigure(newConfig); err != nil {
			r.logger.Error().Err(err).Str("target", componentName).Msg("Failed to reconfigure component")
		} else {
			r.logger.Info().Str("target", componentName).Msg("Component reconfigured")
		}
	}
}
