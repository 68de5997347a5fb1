// ABOUTME: Configuration loading and parsing for the kbm server and CLI
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine names accepted in unit configuration.
const (
	EngineText     = "text"
	EngineSemantic = "semantic"
	EngineMarkdown = "markdown"
)

var knownEngines = map[string]bool{
	EngineText:     true,
	EngineSemantic: true,
	EngineMarkdown: true,
}

// History retention policies for record edits.
const (
	HistoryFull   = "full"
	HistoryLatest = "latest"
)

// Config represents the complete kbm configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Units      []UnitConfig     `yaml:"units"`
	Views      []ViewConfig     `yaml:"views"`
	Auth       AuthConfig       `yaml:"auth"`
	Federation FederationConfig `yaml:"federation"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
}

// ServerConfig holds server transport configuration.
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	Transport   string `yaml:"transport"` // "http" or "stdio"
	RequireAuth bool   `yaml:"require_auth"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// UnitConfig describes one storage unit.
type UnitConfig struct {
	ID               string   `yaml:"id"`
	DataRoot         string   `yaml:"data_root"`
	Engine           string   `yaml:"engine"`
	SecondaryEngines []string `yaml:"secondary_engines"`
	History          string   `yaml:"history"` // "full" (default) or "latest"
}

// ViewConfig declares a named permission projection over units.
type ViewConfig struct {
	Name  string   `yaml:"name"`
	Read  []string `yaml:"read"`
	Write []string `yaml:"write"`
}

// TokenConfig maps one credential to a view. Exactly one of Token,
// TokenHash, or Subject must be set. Tokens carry no permissions themselves.
type TokenConfig struct {
	Token     string `yaml:"token"`      // plaintext token value
	TokenHash string `yaml:"token_hash"` // bcrypt hash of the token value
	Subject   string `yaml:"subject"`    // JWT "sub" claim, for jwt_secret auth
	View      string `yaml:"view"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	Tokens      []TokenConfig `yaml:"tokens"`
	DefaultView string        `yaml:"default_view"` // used when require_auth is false
}

// FederationConfig bounds the federated query fan-out.
type FederationConfig struct {
	FanoutLimit int           `yaml:"fanout_limit"`
	UnitTimeout time.Duration `yaml:"-"`
	Deadline    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	UnitTimeoutRaw string `yaml:"unit_timeout"`
	DeadlineRaw    string `yaml:"deadline"`
}

// EmbeddingConfig selects the embedding provider for semantic engines.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // "local" (default) or "genai"
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values. Malformed unit,
// view, or token configuration is rejected here, not at request time.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse parses raw YAML configuration. baseDir anchors relative data roots.
func Parse(data []byte, baseDir string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills unset fields with their defaults.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Transport == "" {
		c.Server.Transport = "http"
	}
	if c.Server.HTTPAddr == "" && c.Server.Transport == "http" {
		c.Server.HTTPAddr = ":8420"
	}
	if c.Federation.FanoutLimit <= 0 {
		c.Federation.FanoutLimit = 4
	}
	if c.Federation.UnitTimeout <= 0 {
		c.Federation.UnitTimeout = 5 * time.Second
	}
	if c.Federation.Deadline <= 0 {
		c.Federation.Deadline = 15 * time.Second
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "local"
	}
	for i := range c.Units {
		u := &c.Units[i]
		if u.Engine == "" {
			u.Engine = EngineText
		}
		if u.History == "" {
			u.History = HistoryFull
		}
		if u.DataRoot == "" {
			u.DataRoot = filepath.Join(baseDir, "data", u.ID)
		} else if !filepath.IsAbs(u.DataRoot) {
			u.DataRoot = filepath.Join(baseDir, u.DataRoot)
		}
	}
}

// Validate checks that the configuration is internally consistent.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "http", "stdio":
	default:
		return fmt.Errorf("server.transport must be http or stdio, got %q", c.Server.Transport)
	}

	unitIDs := make(map[string]bool, len(c.Units))
	for _, u := range c.Units {
		if u.ID == "" {
			return fmt.Errorf("unit id is required")
		}
		if unitIDs[u.ID] {
			return fmt.Errorf("duplicate unit id %q", u.ID)
		}
		unitIDs[u.ID] = true

		if !knownEngines[u.Engine] {
			return fmt.Errorf("unit %q: unknown engine %q", u.ID, u.Engine)
		}
		for _, sec := range u.SecondaryEngines {
			if !knownEngines[sec] {
				return fmt.Errorf("unit %q: unknown secondary engine %q", u.ID, sec)
			}
			if sec == u.Engine {
				return fmt.Errorf("unit %q: engine %q listed as both primary and secondary", u.ID, sec)
			}
		}
		if u.History != HistoryFull && u.History != HistoryLatest {
			return fmt.Errorf("unit %q: history must be full or latest, got %q", u.ID, u.History)
		}
	}

	viewNames := make(map[string]bool, len(c.Views))
	for _, v := range c.Views {
		if v.Name == "" {
			return fmt.Errorf("view name is required")
		}
		if viewNames[v.Name] {
			return fmt.Errorf("duplicate view %q", v.Name)
		}
		viewNames[v.Name] = true

		for _, id := range v.Read {
			if !unitIDs[id] {
				return fmt.Errorf("view %q: read references unknown unit %q", v.Name, id)
			}
		}
		for _, id := range v.Write {
			if !unitIDs[id] {
				return fmt.Errorf("view %q: write references unknown unit %q", v.Name, id)
			}
		}
	}

	for i, t := range c.Auth.Tokens {
		set := 0
		for _, s := range []string{t.Token, t.TokenHash, t.Subject} {
			if s != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("auth.tokens[%d]: exactly one of token, token_hash, or subject is required", i)
		}
		if t.Subject != "" && c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.tokens[%d]: subject mapping requires auth.jwt_secret", i)
		}
		if t.View == "" {
			return fmt.Errorf("auth.tokens[%d]: view is required", i)
		}
		if !viewNames[t.View] {
			return fmt.Errorf("auth.tokens[%d]: unknown view %q", i, t.View)
		}
	}

	if c.Auth.DefaultView != "" && !viewNames[c.Auth.DefaultView] {
		return fmt.Errorf("auth.default_view: unknown view %q", c.Auth.DefaultView)
	}
	if !c.Server.RequireAuth && c.Auth.DefaultView == "" && len(c.Views) > 0 {
		return fmt.Errorf("auth.default_view is required when require_auth is false and views are configured")
	}

	switch c.Embedding.Provider {
	case "local", "genai":
	default:
		return fmt.Errorf("embedding.provider must be local or genai, got %q", c.Embedding.Provider)
	}

	return nil
}

// Unit returns the configuration for the given unit id.
func (c *Config) Unit(id string) (UnitConfig, bool) {
	for _, u := range c.Units {
		if u.ID == id {
			return u, true
		}
	}
	return UnitConfig{}, false
}

// View returns the configuration for the given view name.
func (c *Config) View(name string) (ViewConfig, bool) {
	for _, v := range c.Views {
		if v.Name == name {
			return v, true
		}
	}
	return ViewConfig{}, false
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Federation.UnitTimeoutRaw != "" {
		cfg.Federation.UnitTimeout, err = time.ParseDuration(cfg.Federation.UnitTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing unit_timeout %q: %w", cfg.Federation.UnitTimeoutRaw, err)
		}
	}

	if cfg.Federation.DeadlineRaw != "" {
		cfg.Federation.Deadline, err = time.ParseDuration(cfg.Federation.DeadlineRaw)
		if err != nil {
			return fmt.Errorf("parsing deadline %q: %w", cfg.Federation.DeadlineRaw, err)
		}
	}

	return nil
}
