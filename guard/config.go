package guard

import (
	"github.com/hazyhaar/spoilguard/guard/internal/config"
)

// Config is the top-level spoilguard configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// PageConfig is a page to guard.
type PageConfig = config.PageConfig

// IntervalsConfig holds the per-page timers.
type IntervalsConfig = config.IntervalsConfig

// DebounceConfig controls mutation batching.
type DebounceConfig = config.DebounceConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}

// DefaultConfig returns the defaults with no pages.
func DefaultConfig() *Config {
	return config.Default()
}
