// Package config provides YAML-based configuration loading for Podyard.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Podyard configuration, loaded from podyard.yaml.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Store     StoreConfig     `yaml:"store"`
	Telegraph TelegraphConfig `yaml:"telegraph"`
	LogLevel  string          `yaml:"log_level"`
}

// BackendConfig locates the Message Store the dashboard talks to.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"` // 0 = transport default
}

// DashboardConfig holds settings for the operator dashboard.
type DashboardConfig struct {
	Port            int           `yaml:"port"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PodPollInterval time.Duration `yaml:"pod_poll_interval"`
	DefaultNode     string        `yaml:"default_node"`
}

// StoreConfig holds settings for the reference Message Store server.
type StoreConfig struct {
	Port          int             `yaml:"port"`
	Driver        string          `yaml:"driver"` // "sqlite" or "mysql"
	Path          string          `yaml:"path"`   // sqlite file
	Host          string          `yaml:"host"`
	DBPort        int             `yaml:"db_port"`
	Database      string          `yaml:"database"`
	User          string          `yaml:"user"`
	Password      string          `yaml:"password"` // or PODYARD_STORE_PASSWORD
	InactiveAfter time.Duration   `yaml:"inactive_after"`
	CheckSchedule string          `yaml:"check_schedule"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds per-client submissions to the store.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// TelegraphConfig configures the optional chat relay.
type TelegraphConfig struct {
	Platform  string `yaml:"platform"` // "", "slack" or "discord"
	BotToken  string `yaml:"bot_token"`
	AppToken  string `yaml:"app_token"` // slack socket mode; enables replies from chat
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether a relay platform is configured.
func (t TelegraphConfig) Enabled() bool {
	return t.Platform != ""
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	return parse(data, nil)
}

// ParseWithEnv is Parse with environment overrides applied before validation.
func ParseWithEnv(data []byte, getenv func(string) string) (*Config, error) {
	return parse(data, getenv)
}

// LoadWithEnv is Load with environment overrides from getenv.
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, getenv)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if getenv != nil {
		cfg.applyEnv(getenv)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets deployment secrets and addresses live outside the file.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PODYARD_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := getenv("PODYARD_STORE_PASSWORD"); v != "" {
		c.Store.Password = v
	}
	switch c.Telegraph.Platform {
	case "slack":
		if v := getenv("PODYARD_SLACK_BOT_TOKEN"); v != "" {
			c.Telegraph.BotToken = v
		}
		if v := getenv("PODYARD_SLACK_APP_TOKEN"); v != "" {
			c.Telegraph.AppToken = v
		}
	case "discord":
		if v := getenv("PODYARD_DISCORD_BOT_TOKEN"); v != "" {
			c.Telegraph.BotToken = v
		}
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:5000"
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Dashboard.PollInterval == 0 {
		c.Dashboard.PollInterval = 5 * time.Second
	}
	if c.Dashboard.PodPollInterval == 0 {
		c.Dashboard.PodPollInterval = time.Minute
	}
	if c.Dashboard.DefaultNode == "" {
		c.Dashboard.DefaultNode = "PodA"
	}
	if c.Store.Port == 0 {
		c.Store.Port = 5000
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "podyard.db"
	}
	if c.Store.Driver == "mysql" {
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.DBPort == 0 {
			c.Store.DBPort = 3306
		}
		if c.Store.User == "" {
			c.Store.User = "root"
		}
		if c.Store.Database == "" {
			c.Store.Database = "podyard"
		}
	}
	if c.Store.InactiveAfter == 0 {
		c.Store.InactiveAfter = 10 * time.Minute
	}
	if c.Store.CheckSchedule == "" {
		c.Store.CheckSchedule = "* * * * *"
	}
	if c.Store.RateLimit.RPS == 0 {
		c.Store.RateLimit.RPS = 5
	}
	if c.Store.RateLimit.Burst == 0 {
		c.Store.RateLimit.Burst = 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// cronParser accepts standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("backend.base_url %q is not an absolute URL", c.Backend.BaseURL))
	}
	if c.Backend.Timeout < 0 {
		errs = append(errs, "backend.timeout must not be negative")
	}
	if c.Dashboard.PollInterval < 0 {
		errs = append(errs, "dashboard.poll_interval must be positive")
	}
	if c.Dashboard.PodPollInterval < 0 {
		errs = append(errs, "dashboard.pod_poll_interval must be positive")
	}
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or mysql", c.Store.Driver))
	}
	if c.Store.InactiveAfter < 0 {
		errs = append(errs, "store.inactive_after must be positive")
	}
	if _, err := cronParser.Parse(c.Store.CheckSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("store.check_schedule %q: %v", c.Store.CheckSchedule, err))
	}
	if c.Store.RateLimit.RPS < 0 || c.Store.RateLimit.Burst < 0 {
		errs = append(errs, "store.rate_limit values must not be negative")
	}
	switch c.Telegraph.Platform {
	case "":
	case "slack":
		if c.Telegraph.BotToken == "" {
			errs = append(errs, "telegraph.bot_token is required for slack")
		}
		if c.Telegraph.ChannelID == "" {
			errs = append(errs, "telegraph.channel_id is required")
		}
	case "discord":
		if c.Telegraph.BotToken == "" {
			errs = append(errs, "telegraph.bot_token is required for discord")
		}
		if c.Telegraph.ChannelID == "" {
			errs = append(errs, "telegraph.channel_id is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("telegraph.platform %q must be slack or discord", c.Telegraph.Platform))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level %q must be debug, info, warn or error", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
