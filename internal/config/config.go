// Package config loads harbor's YAML configuration with defaults for
// everything, so a missing config file still yields a working setup.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harborlabs/harbor/internal/pruning"
)

// Config is the root configuration.
type Config struct {
	// DataDir holds the sqlite database and override files.
	DataDir string `yaml:"data_dir"`

	// CharsPerToken is the estimation ratio. Internal consistency is
	// what matters, not tokenizer parity with any one provider.
	CharsPerToken int `yaml:"chars_per_token"`

	// LimitsOverridesPath points at the optional model-limits override
	// YAML, watched for changes at runtime. Relative paths resolve
	// against DataDir.
	LimitsOverridesPath string `yaml:"limits_overrides_path"`

	Summarizer     SummarizerConfig  `yaml:"summarizer"`
	ContextPruning pruning.Config    `yaml:"context_pruning"`
	Refresh        RefreshConfig     `yaml:"refresh"`
	Maintenance    MaintenanceConfig `yaml:"maintenance"`
	Reconcile      ReconcileConfig   `yaml:"reconcile"`
}

// SummarizerConfig selects the utility model used for compaction
// summaries.
type SummarizerConfig struct {
	Provider  string `yaml:"provider"` // "openai" or "anthropic"
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key,omitempty"` // ${ENV} expanded
	MaxTokens int    `yaml:"max_tokens"`
}

// RefreshConfig tunes the background refresh coordinator.
type RefreshConfig struct {
	CoalesceWindowMs         int  `yaml:"coalesce_window_ms"`
	MinIncrementalIntervalMs int  `yaml:"min_incremental_interval_ms"`
	DropInactive             bool `yaml:"drop_inactive"`
	PollIntervalMs           int  `yaml:"poll_interval_ms"`
}

// MaintenanceConfig tunes the idle compaction sweep.
type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression. Default: hourly.
	Schedule string `yaml:"schedule"`
	// IdleMinutes is how long a session must be untouched before the
	// sweep considers it.
	IdleMinutes int `yaml:"idle_minutes"`
}

// ReconcileConfig tunes tool-result reconciliation.
type ReconcileConfig struct {
	RefetchTools []string `yaml:"refetch_tools"`
	MaxRefetch   int      `yaml:"max_refetch"`
}

// DefaultConfig returns a config with working defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:             DefaultDataDir(),
		CharsPerToken:       4,
		LimitsOverridesPath: "limits.yaml",
		Summarizer: SummarizerConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			APIKey:    "${OPENAI_API_KEY}",
			MaxTokens: 2048,
		},
		ContextPruning: pruning.DefaultConfig(),
		Refresh: RefreshConfig{
			CoalesceWindowMs:         250,
			MinIncrementalIntervalMs: 1000,
			PollIntervalMs:           2000,
		},
		Maintenance: MaintenanceConfig{
			Enabled:     true,
			Schedule:    "0 * * * *",
			IdleMinutes: 30,
		},
		Reconcile: ReconcileConfig{
			MaxRefetch: 5,
		},
	}
}

// DefaultDataDir returns the platform data directory for harbor.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".harbor"
	}
	return filepath.Join(dir, "harbor")
}

// Load reads config.yaml from the default data directory. A missing
// file yields the defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	return cfg, cfg.apply(data)
}

// LoadFrom reads config from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.apply(data)
}

func (c *Config) apply(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	if strings.HasPrefix(c.DataDir, "~/") {
		home, _ := os.UserHomeDir()
		c.DataDir = filepath.Join(home, c.DataDir[2:])
	}
	c.Summarizer.APIKey = os.ExpandEnv(c.Summarizer.APIKey)
	return nil
}

// DatabasePath is the sqlite file under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "harbor.db")
}

// OverridesPath resolves the limits override file, relative paths
// anchored at the data directory.
func (c *Config) OverridesPath() string {
	if c.LimitsOverridesPath == "" {
		return ""
	}
	if filepath.IsAbs(c.LimitsOverridesPath) {
		return c.LimitsOverridesPath
	}
	return filepath.Join(c.DataDir, c.LimitsOverridesPath)
}

// Save writes the config to the data directory's config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.DataDir, "config.yaml"), data, 0600)
}
