package models

import (
	"fmt"
	"time"
)

// RouterConfig controls one routing decision
type RouterConfig struct {
	PreferRemote     bool          `yaml:"preferRemote"`
	AllowFallback    bool          `yaml:"allowFallback"`
	Timeout          time.Duration `yaml:"timeout"`
	QualityThreshold float64       `yaml:"qualityThreshold"`
}

// DefaultRouterConfig mirrors the shipped preference defaults
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		PreferRemote:     true,
		AllowFallback:    true,
		Timeout:          30 * time.Second,
		QualityThreshold: 0.7,
	}
}

// Validate checks ranges
func (c RouterConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("qualityThreshold must be between 0 and 1, got %v", c.QualityThreshold)
	}
	return nil
}

// Preferences is what the persistent preference store holds
type Preferences struct {
	Router                  RouterConfig `yaml:"router"`
	BackgroundUploads       bool         `yaml:"backgroundUploads"`
	BackgroundSizeThreshold int64        `yaml:"backgroundSizeThreshold"`
}

// DefaultPreferences returns router defaults with background uploads off above 1MB
func DefaultPreferences() Preferences {
	return Preferences{
		Router:                  DefaultRouterConfig(),
		BackgroundUploads:       false,
		BackgroundSizeThreshold: 1 << 20,
	}
}
