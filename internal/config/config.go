package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig           `json:"server"`
	Database DatabaseConfig         `json:"database"`
	Suna     SunaConfig             `json:"suna"`
	Engine   EngineConfig           `json:"engine"`
	Limits   LimitsConfig           `json:"limits"`
	Pricing  map[string]PriceConfig `json:"pricing,omitempty"`
	Notify   NotifyConfig           `json:"notify"`
}

type ServerConfig struct {
	Port        int      `json:"port"`
	LogLevel    string   `json:"log_level"`
	PublicURL   string   `json:"public_url"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

type DatabaseConfig struct {
	Postgres   PostgresConfig `json:"postgres"`
	Redis      RedisConfig    `json:"redis"`
	Migrations string         `json:"migrations"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type SunaConfig struct {
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key"`
	Timeout  Duration `json:"timeout"`
}

type EngineConfig struct {
	MaxParallel    int      `json:"max_parallel"`
	StepRetries    *int     `json:"step_retries"` // nil means 2; 0 disables retries
	RetryBackoff   Duration `json:"retry_backoff"`
	PollInterval   Duration `json:"poll_interval"`
	StopTimeout    Duration `json:"stop_timeout"`
	RecentMessages int      `json:"recent_messages"`
}

type LimitsConfig struct {
	MaxConcurrentExecutions int      `json:"max_concurrent_executions"`
	MonthlyBudgetUSD        string   `json:"monthly_budget_usd"`
	AdminUsers              []string `json:"admin_users,omitempty"`
}

// PriceConfig is a per-1K-token price pair, as decimal strings.
type PriceConfig struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

type NotifyConfig struct {
	RedisChannel string              `json:"redis_channel"`
	Slack        SlackNotifyConfig   `json:"slack"`
	Discord      DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// Duration is a time.Duration written as a string such as "500ms" or "2m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Defaults returns a configuration that runs without any external service.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Migrations == "" {
		c.Database.Migrations = "migrations"
	}
	if c.Suna.Timeout == 0 {
		c.Suna.Timeout = Duration(60 * time.Second)
	}
	if c.Engine.StepRetries == nil {
		retries := 2
		c.Engine.StepRetries = &retries
	}
	if c.Engine.RetryBackoff == 0 {
		c.Engine.RetryBackoff = Duration(500 * time.Millisecond)
	}
	if c.Engine.PollInterval == 0 {
		c.Engine.PollInterval = Duration(time.Second)
	}
	if c.Engine.StopTimeout == 0 {
		c.Engine.StopTimeout = Duration(10 * time.Second)
	}
	if c.Engine.RecentMessages == 0 {
		c.Engine.RecentMessages = 20
	}
	if c.Limits.MaxConcurrentExecutions == 0 {
		c.Limits.MaxConcurrentExecutions = 5
	}
	if c.Limits.MonthlyBudgetUSD == "" {
		c.Limits.MonthlyBudgetUSD = "100"
	}
	if c.Notify.RedisChannel == "" {
		c.Notify.RedisChannel = "teamexec:events"
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills unset values with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a JSON config after environment substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}
