// Package config loads and validates the conclave YAML configuration.
package config

import (
	"fmt"
	"net"

	"gopkg.in/yaml.v3"

	"github.com/conclave-sec/conclave/internal/council"
	"github.com/conclave-sec/conclave/internal/policy"
	"github.com/conclave-sec/conclave/internal/safefile"
	"github.com/conclave-sec/conclave/internal/trust"
)

// Config is the top-level conclave configuration.
type Config struct {
	Version     string         `yaml:"version"`
	Server      ServerConfig   `yaml:"server"`
	DBPath      string         `yaml:"db_path"`
	PostgresDSN string         `yaml:"postgres_dsn,omitempty"`
	Redis       RedisConfig    `yaml:"redis,omitempty"`
	Guardian    GuardianConfig `yaml:"guardian"`
	Tools       []Tool         `yaml:"tools"`
	Council     CouncilConfig  `yaml:"council"`
	Overseer    OverseerConfig `yaml:"overseer"`
}

// ServerConfig holds the query API server settings.
type ServerConfig struct {
	Bind     string `yaml:"bind"` // must be loopback
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// RedisConfig enables Redis-backed source baselines. Disabled, baselines
// live in memory and reset on restart.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// GuardianConfig tunes threat assessment.
type GuardianConfig struct {
	RateLimit   int            `yaml:"rate_limit"`
	RateWindowS int            `yaml:"rate_window_s"`
	Enhanced    EnhancedConfig `yaml:"enhanced,omitempty"`
}

// EnhancedConfig configures the optional deep content scanner.
type EnhancedConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CustomRulesDir string `yaml:"custom_rules_dir,omitempty"`
	TimeoutMs      int    `yaml:"timeout_ms"`
}

// Tool declares one capability policy.
type Tool struct {
	ID            string   `yaml:"id"`
	AllowedAgents []string `yaml:"allowed_agents,omitempty"`
	RequiredTrust string   `yaml:"required_trust"`
	Tier          string   `yaml:"tier"`
}

// CouncilConfig fixes the eligible voter population and vote lifecycle.
type CouncilConfig struct {
	Voters           map[string]council.Voter `yaml:"voters"`
	RetentionDays    int                      `yaml:"retention_days"`
	DefaultDeadlineH int                      `yaml:"default_deadline_h"`
}

// OverseerConfig tunes the release gates.
type OverseerConfig struct {
	MinCoverage float64 `yaml:"min_coverage"`
	ScanMaxAgeH int     `yaml:"scan_max_age_h"`
}

// Load reads and parses a conclave config file. Reads go through
// safefile so symlinked or oversized configs are rejected.
func Load(path string) (*Config, error) {
	data, err := safefile.ReadBounded(path, safefile.MaxConfigBytes)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply zero-value defaults after unmarshal
	if cfg.Guardian.RateLimit == 0 {
		cfg.Guardian.RateLimit = 30
	}
	if cfg.Guardian.RateWindowS == 0 {
		cfg.Guardian.RateWindowS = 60
	}
	if cfg.Guardian.Enhanced.TimeoutMs == 0 {
		cfg.Guardian.Enhanced.TimeoutMs = 500
	}

	return cfg, nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Bind:     "127.0.0.1",
			Port:     7433,
			LogLevel: "info",
		},
		DBPath: "./conclave.db",
		Guardian: GuardianConfig{
			RateLimit:   30,
			RateWindowS: 60,
			Enhanced:    EnhancedConfig{TimeoutMs: 500},
		},
		Council: CouncilConfig{
			Voters:           make(map[string]council.Voter),
			RetentionDays:    30,
			DefaultDeadlineH: 24,
		},
		Overseer: OverseerConfig{
			MinCoverage: 0.8,
			ScanMaxAgeH: 24,
		},
	}
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := safefile.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent. The loopback bind
// requirement is constitutional and enforced here as well, so a bad
// config never reaches the listener.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if !isLoopback(c.Server.Bind) {
		return fmt.Errorf("bind address %q is not loopback", c.Server.Bind)
	}
	if c.Guardian.RateLimit < 1 {
		return fmt.Errorf("guardian rate_limit must be positive, got %d", c.Guardian.RateLimit)
	}

	seen := make(map[string]bool, len(c.Tools))
	for _, tool := range c.Tools {
		if tool.ID == "" {
			return fmt.Errorf("tool with empty id")
		}
		if seen[tool.ID] {
			return fmt.Errorf("duplicate tool id %q", tool.ID)
		}
		seen[tool.ID] = true
		if _, err := policy.ParseTier(tool.Tier); err != nil {
			return fmt.Errorf("tool %q: %w", tool.ID, err)
		}
	}

	for name, voter := range c.Council.Voters {
		if voter.Weight <= 0 {
			return fmt.Errorf("voter %q has non-positive weight %v", name, voter.Weight)
		}
	}

	if c.Overseer.MinCoverage < 0 || c.Overseer.MinCoverage > 1 {
		return fmt.Errorf("overseer min_coverage %v outside [0,1]", c.Overseer.MinCoverage)
	}
	return nil
}

// Policies converts the tool declarations into registry policies.
func (c *Config) Policies() ([]policy.ToolPolicy, error) {
	out := make([]policy.ToolPolicy, 0, len(c.Tools))
	for _, tool := range c.Tools {
		tier, err := policy.ParseTier(tool.Tier)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", tool.ID, err)
		}
		out = append(out, policy.ToolPolicy{
			ToolID:        tool.ID,
			AllowedAgents: append([]string(nil), tool.AllowedAgents...),
			RequiredTrust: trust.Parse(tool.RequiredTrust),
			Tier:          tier,
		})
	}
	return out, nil
}

func isLoopback(bind string) bool {
	host := bind
	if h, _, err := net.SplitHostPort(bind); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
