package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
discord:
  token: bot-token
  guild_id: "900000000000000001"
  forum_channel_id: "900000000000000002"
  requests_per_second: 2.5

registry:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: plotsync
  password: secret
  database: plotsync
  table: bte_threads
  leak_slack: 8

plots:
  host: 10.0.0.6
  database: plotsystem
  table: plotsystem_plots
  id_column: id
  status_column: status
  owner_column: owner_uuid
  city_column: city_project_id

showcase:
  base_url: https://plots.example.net/showcase
  file_prefix: plot-
  avatar_url: https://mc-heads.net/avatar/%s

reconcile:
  retry_backoff: 2s
  tag_timeout: 30s
  resync_cron: "0 * * * *"
  resync_workers: 8

http:
  port: 9100

log:
  level: debug
  pretty: true

messages:
  history.created: "%s: Grundstück erstellt"
`

const minimalYAML = `
discord:
  token: t
  forum_channel_id: "1"
registry:
  driver: sqlite
  path: /var/lib/plotsync/registry.db
plots:
  database: plotsystem
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Discord.Token != "bot-token" {
		t.Errorf("Discord.Token = %q", cfg.Discord.Token)
	}
	if cfg.Discord.RequestsPerSecond != 2.5 {
		t.Errorf("Discord.RequestsPerSecond = %v, want 2.5", cfg.Discord.RequestsPerSecond)
	}
	if cfg.Registry.Host != "10.0.0.5" || cfg.Registry.Port != 3307 {
		t.Errorf("Registry = %s:%d, want 10.0.0.5:3307", cfg.Registry.Host, cfg.Registry.Port)
	}
	if cfg.Registry.Table != "bte_threads" {
		t.Errorf("Registry.Table = %q", cfg.Registry.Table)
	}
	if cfg.Registry.LeakSlack != 8 {
		t.Errorf("Registry.LeakSlack = %d, want 8", cfg.Registry.LeakSlack)
	}
	if cfg.Plots.Host != "10.0.0.6" || cfg.Plots.Port != 3306 {
		t.Errorf("Plots = %s:%d, want 10.0.0.6:3306", cfg.Plots.Host, cfg.Plots.Port)
	}
	if cfg.Plots.CityColumn != "city_project_id" {
		t.Errorf("Plots.CityColumn = %q", cfg.Plots.CityColumn)
	}
	if cfg.Reconcile.RetryBackoff != 2*time.Second {
		t.Errorf("RetryBackoff = %v, want 2s", cfg.Reconcile.RetryBackoff)
	}
	if cfg.Reconcile.TagTimeout != 30*time.Second {
		t.Errorf("TagTimeout = %v, want 30s", cfg.Reconcile.TagTimeout)
	}
	if cfg.Reconcile.ResyncWorkers != 8 {
		t.Errorf("ResyncWorkers = %d, want 8", cfg.Reconcile.ResyncWorkers)
	}
	if cfg.HTTP.Port != 9100 {
		t.Errorf("HTTP.Port = %d, want 9100", cfg.HTTP.Port)
	}
	if !cfg.Log.Pretty || cfg.Log.Level != "debug" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Messages["history.created"] != "%s: Grundstück erstellt" {
		t.Errorf("Messages = %v", cfg.Messages)
	}
}

func TestParse_MinimalConfig_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Registry.Driver != "sqlite" {
		t.Errorf("Registry.Driver = %q, want sqlite", cfg.Registry.Driver)
	}
	if cfg.Registry.Host != "" {
		t.Errorf("sqlite registry should not get a host default, got %q", cfg.Registry.Host)
	}
	if cfg.Registry.Table != "plotsync_threads" {
		t.Errorf("Registry.Table = %q, want plotsync_threads", cfg.Registry.Table)
	}
	if cfg.Registry.LeakSlack != 4 {
		t.Errorf("Registry.LeakSlack = %d, want 4", cfg.Registry.LeakSlack)
	}
	if cfg.Plots.Driver != "mysql" || cfg.Plots.Host != "127.0.0.1" || cfg.Plots.Port != 3306 || cfg.Plots.User != "root" {
		t.Errorf("Plots defaults = %+v", cfg.Plots.DatabaseConfig)
	}
	if cfg.Plots.Table != "plotsystem_plots" || cfg.Plots.OwnerColumn != "owner_uuid" {
		t.Errorf("Plots table defaults = %+v", cfg.Plots)
	}
	if cfg.Reconcile.RetryBackoff != 5*time.Second {
		t.Errorf("RetryBackoff = %v, want 5s", cfg.Reconcile.RetryBackoff)
	}
	if cfg.Reconcile.TagTimeout != 60*time.Second {
		t.Errorf("TagTimeout = %v, want 60s", cfg.Reconcile.TagTimeout)
	}
	if cfg.Reconcile.ResyncCron != "*/30 * * * *" {
		t.Errorf("ResyncCron = %q", cfg.Reconcile.ResyncCron)
	}
	if cfg.Discord.RequestsPerSecond != 5 {
		t.Errorf("RequestsPerSecond = %v, want 5", cfg.Discord.RequestsPerSecond)
	}
	if cfg.Showcase.FilePrefix != "plot-" {
		t.Errorf("Showcase.FilePrefix = %q", cfg.Showcase.FilePrefix)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestParse_TokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnv, "env-token")
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Discord.Token != "env-token" {
		t.Errorf("Discord.Token = %q, want env-token", cfg.Discord.Token)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing token", `
discord: {forum_channel_id: "1"}
registry: {database: r}
plots: {database: p}
`, "discord.token is required"},
		{"missing forum", `
discord: {token: t}
registry: {database: r}
plots: {database: p}
`, "discord.forum_channel_id is required"},
		{"missing registry database", `
discord: {token: t, forum_channel_id: "1"}
plots: {database: p}
`, "registry.database is required"},
		{"sqlite without path", `
discord: {token: t, forum_channel_id: "1"}
registry: {driver: sqlite}
plots: {database: p}
`, "registry.path is required"},
		{"bad driver", `
discord: {token: t, forum_channel_id: "1"}
registry: {driver: postgres, database: r}
plots: {database: p}
`, "registry.driver \"postgres\" is not supported"},
		{"bad cron", `
discord: {token: t, forum_channel_id: "1"}
registry: {database: r}
plots: {database: p}
reconcile: {resync_cron: "every tuesday"}
`, "reconcile.resync_cron"},
		{"bad log level", `
discord: {token: t, forum_channel_id: "1"}
registry: {database: r}
plots: {database: p}
log: {level: loud}
`, "log.level"},
		{"bad port", `
discord: {token: t, forum_channel_id: "1"}
registry: {database: r}
plots: {database: p}
http: {port: 70000}
`, "http.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("discord: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want config: parse prefix", err.Error())
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plotsync.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Plots.Database != "plotsystem" {
		t.Errorf("Plots.Database = %q", cfg.Plots.Database)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q", err.Error())
	}
}
