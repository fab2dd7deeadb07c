// Package config handles spoilguard configuration from YAML or TOML
// files. Both use the same snake_case keys.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level spoilguard configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	Pages     []PageConfig    `yaml:"pages"`
	DB        DBConfig        `yaml:"db"`
	API       APIConfig       `yaml:"api"`
	Titles    TitlesConfig    `yaml:"titles"`
	Journal   JournalConfig   `yaml:"journal"`
	Intervals IntervalsConfig `yaml:"intervals"`
	Debounce  DebounceConfig  `yaml:"debounce"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Bin              string        `yaml:"bin"`
	Mode             string        `yaml:"mode"` // headful | headless | xvfb
	UserDataDir      string        `yaml:"user_data_dir"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          *bool         `yaml:"stealth"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// PageConfig is a page to guard.
type PageConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// DBConfig locates the SQLite file holding settings and the journal.
type DBConfig struct {
	Path string `yaml:"path"`
	// SettingsPoll is how often edits by other processes are looked for.
	SettingsPoll time.Duration `yaml:"settings_poll"`
}

// APIConfig controls the settings-editing surface.
type APIConfig struct {
	Addr string `yaml:"addr"` // empty disables the HTTP server
	User string `yaml:"user"`
	// PasswordHash is a bcrypt hash; empty leaves mutating routes open.
	PasswordHash string `yaml:"password_hash"`
	MCP          bool   `yaml:"mcp"` // serve MCP over streamable HTTP at /mcp
}

// TitlesConfig controls embed title lookups.
type TitlesConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
	Backoff   time.Duration `yaml:"backoff"`
	CacheSize int           `yaml:"cache_size"`
}

// JournalConfig controls the activity log.
type JournalConfig struct {
	Capacity int `yaml:"capacity"`
}

// IntervalsConfig holds the per-page timers.
type IntervalsConfig struct {
	StaleGuard   time.Duration `yaml:"stale_guard"`
	Sweep        time.Duration `yaml:"sweep"`
	EmbedPoll    time.Duration `yaml:"embed_poll"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Settle       time.Duration `yaml:"settle"`
	AnchorRetry  time.Duration `yaml:"anchor_retry"`
	Attach       time.Duration `yaml:"attach"`
	MaxAttach    int           `yaml:"max_attach"`
}

// DebounceConfig controls mutation batching.
type DebounceConfig struct {
	Window    time.Duration `yaml:"window"`
	MaxBuffer int           `yaml:"max_buffer"`
}

// LoadFile reads a configuration file. A .toml extension selects TOML;
// anything else is read as YAML.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// ParseTOML decodes TOML and applies defaults. Durations are strings
// ("1500ms"), as in YAML.
func ParseTOML(data []byte) (*Config, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: toml: %w", err)
	}
	// Re-encode so both formats share the YAML field mapping.
	y, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: toml: %w", err)
	}
	return Parse(y)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no pages.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Browser.Mode == "" {
		c.Browser.Mode = "headful"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == nil {
		on := true
		c.Browser.Stealth = &on
	}
	if c.DB.Path == "" {
		c.DB.Path = "spoilguard.db"
	}
	if c.DB.SettingsPoll <= 0 {
		c.DB.SettingsPoll = time.Second
	}
	if c.API.User == "" {
		c.API.User = "admin"
	}
	if c.Journal.Capacity <= 0 {
		c.Journal.Capacity = 100
	}

	iv := &c.Intervals
	if iv.StaleGuard <= 0 {
		iv.StaleGuard = time.Second
	}
	if iv.Sweep <= 0 {
		iv.Sweep = 2 * time.Second
	}
	if iv.EmbedPoll <= 0 {
		iv.EmbedPoll = 3 * time.Second
	}
	if iv.InitialDelay <= 0 {
		iv.InitialDelay = 1500 * time.Millisecond
	}
	if iv.Settle <= 0 {
		iv.Settle = time.Second
	}
	if iv.AnchorRetry <= 0 {
		iv.AnchorRetry = 500 * time.Millisecond
	}
	if iv.Attach <= 0 {
		iv.Attach = time.Second
	}
	if iv.MaxAttach <= 0 {
		iv.MaxAttach = 30
	}

	if c.Debounce.MaxBuffer <= 0 {
		c.Debounce.MaxBuffer = 1000
	}
	for i := range c.Pages {
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = fmt.Sprintf("page-%d", i+1)
		}
	}
}

func (c *Config) validate() error {
	switch c.Browser.Mode {
	case "headful", "headless", "xvfb":
	default:
		return fmt.Errorf("config: browser.mode %q: want headful, headless or xvfb", c.Browser.Mode)
	}
	seen := make(map[string]bool, len(c.Pages))
	for _, p := range c.Pages {
		if p.URL == "" {
			return fmt.Errorf("config: page %s: url is required", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate page id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
