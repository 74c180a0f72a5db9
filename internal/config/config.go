// Package config loads and persists the server configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider is one upstream model API endpoint.
type Provider struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"` // openai|openai_compatible|anthropic
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key"`
}

// Model maps a user-facing model id to the provider serving it.
type Model struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
}

type StreamConfig struct {
	// FlushChars is the delta batching threshold: accumulated text is
	// persisted and broadcast once it reaches this many bytes.
	FlushChars int `yaml:"flush_chars,omitempty"`

	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`

	// TurnMaxWallTimeSec caps a single streamed turn.
	TurnMaxWallTimeSec int `yaml:"turn_max_wall_time_sec,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug|info|warn|error
	Format string `yaml:"format,omitempty"` // text|json
}

type Config struct {
	Listen   string `yaml:"listen,omitempty"`
	StateDir string `yaml:"state_dir,omitempty"`

	SystemPrompt string `yaml:"system_prompt,omitempty"`
	DefaultModel string `yaml:"default_model,omitempty"`

	Providers []Provider `yaml:"providers,omitempty"`
	Models    []Model    `yaml:"models,omitempty"`

	Stream StreamConfig `yaml:"stream,omitempty"`
	Log    LogConfig    `yaml:"log,omitempty"`
}

const (
	defaultListen          = "127.0.0.1:8386"
	defaultFlushChars      = 512
	defaultMaxOutputTokens = 4096
	defaultTurnWallTimeSec = 300
)

func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chatstream", "config.yaml"), nil
}

func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chatstream", "state"), nil
}

// Load reads, normalizes and validates the config file.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("missing config path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	c.StateDir = strings.TrimSpace(c.StateDir)
	if c.StateDir == "" {
		if dir, err := DefaultStateDir(); err == nil {
			c.StateDir = dir
		}
	}
	if c.Stream.FlushChars <= 0 {
		c.Stream.FlushChars = defaultFlushChars
	}
	if c.Stream.MaxOutputTokens <= 0 {
		c.Stream.MaxOutputTokens = defaultMaxOutputTokens
	}
	if c.Stream.TurnMaxWallTimeSec <= 0 {
		c.Stream.TurnMaxWallTimeSec = defaultTurnWallTimeSec
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	c.DefaultModel = strings.TrimSpace(c.DefaultModel)
	if c.DefaultModel == "" && len(c.Models) == 1 {
		c.DefaultModel = strings.TrimSpace(c.Models[0].ID)
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return errors.New("missing state_dir")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}

	providerIDs := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if _, dup := providerIDs[id]; dup {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		providerIDs[id] = struct{}{}
		switch strings.ToLower(strings.TrimSpace(p.Type)) {
		case "openai", "openai_compatible", "anthropic":
		default:
			return fmt.Errorf("providers[%d]: unsupported type %q", i, p.Type)
		}
		if strings.TrimSpace(p.APIKey) == "" {
			return fmt.Errorf("providers[%d]: missing api_key", i)
		}
	}

	modelIDs := make(map[string]struct{}, len(c.Models))
	for i, m := range c.Models {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return fmt.Errorf("models[%d]: missing id", i)
		}
		if _, dup := modelIDs[id]; dup {
			return fmt.Errorf("models[%d]: duplicate id %q", i, id)
		}
		modelIDs[id] = struct{}{}
		if _, ok := providerIDs[strings.TrimSpace(m.Provider)]; !ok {
			return fmt.Errorf("models[%d]: unknown provider %q", i, m.Provider)
		}
	}

	if c.DefaultModel != "" {
		if _, ok := modelIDs[c.DefaultModel]; !ok {
			return fmt.Errorf("default_model %q is not a configured model", c.DefaultModel)
		}
	}
	return nil
}

// Save writes the config atomically.
func (c *Config) Save(path string) error {
	if c == nil {
		return errors.New("nil config")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("missing config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (c *Config) FindProvider(id string) (Provider, bool) {
	if c == nil {
		return Provider{}, false
	}
	id = strings.TrimSpace(id)
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == id && id != "" {
			return p, true
		}
	}
	return Provider{}, false
}

func (c *Config) FindModel(id string) (Model, bool) {
	if c == nil {
		return Model{}, false
	}
	id = strings.TrimSpace(id)
	for _, m := range c.Models {
		if strings.TrimSpace(m.ID) == id && id != "" {
			return m, true
		}
	}
	return Model{}, false
}

// ModelIDs returns the configured model ids in file order.
func (c *Config) ModelIDs() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		if id := strings.TrimSpace(m.ID); id != "" {
			out = append(out, id)
		}
	}
	return out
}
