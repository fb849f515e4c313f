package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
backend:
  base_url: http://10.0.0.5:5000/
  timeout: 3s

dashboard:
  port: 9090
  poll_interval: 2s
  pod_poll_interval: 30s
  default_node: PodB

store:
  port: 5500
  driver: mysql
  host: db.internal
  db_port: 3307
  database: pods
  user: podyard
  inactive_after: 5m
  check_schedule: "*/2 * * * *"
  rate_limit:
    rps: 2.5
    burst: 4

telegraph:
  platform: slack
  bot_token: xoxb-test
  app_token: xapp-test
  channel_id: C123

log_level: debug
`

const minimalYAML = `
backend:
  base_url: http://localhost:5000
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Backend.BaseURL != "http://10.0.0.5:5000" {
		t.Errorf("Backend.BaseURL = %q, want trailing slash trimmed", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Timeout != 3*time.Second {
		t.Errorf("Backend.Timeout = %v, want 3s", cfg.Backend.Timeout)
	}
	if cfg.Dashboard.Port != 9090 {
		t.Errorf("Dashboard.Port = %d, want 9090", cfg.Dashboard.Port)
	}
	if cfg.Dashboard.PollInterval != 2*time.Second {
		t.Errorf("Dashboard.PollInterval = %v, want 2s", cfg.Dashboard.PollInterval)
	}
	if cfg.Dashboard.PodPollInterval != 30*time.Second {
		t.Errorf("Dashboard.PodPollInterval = %v, want 30s", cfg.Dashboard.PodPollInterval)
	}
	if cfg.Dashboard.DefaultNode != "PodB" {
		t.Errorf("Dashboard.DefaultNode = %q, want PodB", cfg.Dashboard.DefaultNode)
	}
	if cfg.Store.Driver != "mysql" || cfg.Store.Host != "db.internal" || cfg.Store.DBPort != 3307 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Store.User != "podyard" || cfg.Store.Database != "pods" {
		t.Errorf("Store user/database = %q/%q", cfg.Store.User, cfg.Store.Database)
	}
	if cfg.Store.InactiveAfter != 5*time.Minute {
		t.Errorf("Store.InactiveAfter = %v, want 5m", cfg.Store.InactiveAfter)
	}
	if cfg.Store.CheckSchedule != "*/2 * * * *" {
		t.Errorf("Store.CheckSchedule = %q", cfg.Store.CheckSchedule)
	}
	if cfg.Store.RateLimit.RPS != 2.5 || cfg.Store.RateLimit.Burst != 4 {
		t.Errorf("Store.RateLimit = %+v", cfg.Store.RateLimit)
	}
	if cfg.Telegraph.AppToken != "xapp-test" {
		t.Errorf("Telegraph.AppToken = %q, want xapp-test", cfg.Telegraph.AppToken)
	}
	if !cfg.Telegraph.Enabled() || cfg.Telegraph.Platform != "slack" {
		t.Errorf("Telegraph = %+v, want slack enabled", cfg.Telegraph)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestParse_MinimalConfigDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Dashboard.Port != 8080 {
		t.Errorf("Dashboard.Port = %d, want 8080", cfg.Dashboard.Port)
	}
	if cfg.Dashboard.PollInterval != 5*time.Second {
		t.Errorf("Dashboard.PollInterval = %v, want 5s", cfg.Dashboard.PollInterval)
	}
	if cfg.Dashboard.PodPollInterval != time.Minute {
		t.Errorf("Dashboard.PodPollInterval = %v, want 1m", cfg.Dashboard.PodPollInterval)
	}
	if cfg.Dashboard.DefaultNode != "PodA" {
		t.Errorf("Dashboard.DefaultNode = %q, want PodA", cfg.Dashboard.DefaultNode)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "podyard.db" {
		t.Errorf("Store driver/path = %q/%q, want sqlite/podyard.db", cfg.Store.Driver, cfg.Store.Path)
	}
	if cfg.Store.Port != 5000 {
		t.Errorf("Store.Port = %d, want 5000", cfg.Store.Port)
	}
	if cfg.Store.InactiveAfter != 10*time.Minute {
		t.Errorf("Store.InactiveAfter = %v, want 10m", cfg.Store.InactiveAfter)
	}
	if cfg.Store.CheckSchedule != "* * * * *" {
		t.Errorf("Store.CheckSchedule = %q, want every minute", cfg.Store.CheckSchedule)
	}
	if cfg.Store.RateLimit.RPS != 5 || cfg.Store.RateLimit.Burst != 10 {
		t.Errorf("Store.RateLimit = %+v, want 5/10", cfg.Store.RateLimit)
	}
	if cfg.Telegraph.Enabled() {
		t.Error("telegraph should be disabled by default")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestParse_EmptyUsesLocalBackend(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend.BaseURL != "http://localhost:5000" {
		t.Errorf("Backend.BaseURL = %q, want http://localhost:5000", cfg.Backend.BaseURL)
	}
}

func TestParse_MySQLDefaults(t *testing.T) {
	cfg, err := Parse([]byte("store:\n  driver: mysql\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Host != "127.0.0.1" || cfg.Store.DBPort != 3306 || cfg.Store.User != "root" || cfg.Store.Database != "podyard" {
		t.Errorf("mysql defaults = %+v", cfg.Store)
	}
	if cfg.Store.Path != "" {
		t.Errorf("Store.Path = %q, want empty for mysql", cfg.Store.Path)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("backend: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "relative backend url",
			yaml: "backend:\n  base_url: localhost:5000/api\n",
			want: "backend.base_url",
		},
		{
			name: "unknown driver",
			yaml: "store:\n  driver: postgres\n",
			want: "store.driver",
		},
		{
			name: "bad schedule",
			yaml: "store:\n  check_schedule: every minute\n",
			want: "store.check_schedule",
		},
		{
			name: "slack without token",
			yaml: "telegraph:\n  platform: slack\n  channel_id: C1\n",
			want: "telegraph.bot_token is required for slack",
		},
		{
			name: "discord without channel",
			yaml: "telegraph:\n  platform: discord\n  bot_token: abc\n",
			want: "telegraph.channel_id is required",
		},
		{
			name: "unknown platform",
			yaml: "telegraph:\n  platform: irc\n",
			want: "telegraph.platform",
		},
		{
			name: "bad log level",
			yaml: "log_level: loud\n",
			want: "log_level",
		},
		{
			name: "negative interval",
			yaml: "dashboard:\n  poll_interval: -1s\n",
			want: "dashboard.poll_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), "config: validation failed") {
				t.Errorf("error = %q, want validation failure", err.Error())
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParseWithEnv_Overrides(t *testing.T) {
	env := map[string]string{
		"PODYARD_BACKEND_URL":       "http://pods.example:7000",
		"PODYARD_DISCORD_BOT_TOKEN": "from-env",
	}
	getenv := func(k string) string { return env[k] }

	cfg, err := ParseWithEnv([]byte("telegraph:\n  platform: discord\n  channel_id: \"42\"\n"), getenv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend.BaseURL != "http://pods.example:7000" {
		t.Errorf("Backend.BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Telegraph.BotToken != "from-env" {
		t.Errorf("Telegraph.BotToken = %q, want from-env", cfg.Telegraph.BotToken)
	}
}

func TestParseWithEnv_StorePassword(t *testing.T) {
	yml := []byte("store:\n  driver: mysql\n  user: pods\n  password: from-file\n")

	cfg, err := Parse(yml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Password != "from-file" {
		t.Errorf("Store.Password = %q, want from-file", cfg.Store.Password)
	}

	getenv := func(k string) string {
		if k == "PODYARD_STORE_PASSWORD" {
			return "from-env"
		}
		return ""
	}
	cfg, err = ParseWithEnv(yml, getenv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Password != "from-env" {
		t.Errorf("Store.Password = %q, want from-env", cfg.Store.Password)
	}
}

func TestParseWithEnv_SlackTokens(t *testing.T) {
	env := map[string]string{
		"PODYARD_SLACK_BOT_TOKEN": "xoxb-env",
		"PODYARD_SLACK_APP_TOKEN": "xapp-env",
	}
	cfg, err := ParseWithEnv([]byte("telegraph:\n  platform: slack\n  channel_id: C1\n"), func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telegraph.BotToken != "xoxb-env" || cfg.Telegraph.AppToken != "xapp-env" {
		t.Errorf("Telegraph = %+v, want tokens from env", cfg.Telegraph)
	}
}

func TestParseWithEnv_SlackTokenIgnoredForDiscord(t *testing.T) {
	getenv := func(k string) string {
		if k == "PODYARD_SLACK_BOT_TOKEN" {
			return "xoxb-env"
		}
		return ""
	}
	_, err := ParseWithEnv([]byte("telegraph:\n  platform: discord\n  channel_id: \"42\"\n"), getenv)
	if err == nil {
		t.Fatal("expected missing discord token error")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "podyard.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dashboard.Port != 9090 {
		t.Errorf("Dashboard.Port = %d, want 9090", cfg.Dashboard.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/podyard.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

func TestLoadWithEnv_MissingFile(t *testing.T) {
	_, err := LoadWithEnv("/nonexistent/podyard.yaml", os.Getenv)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
