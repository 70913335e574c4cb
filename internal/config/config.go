// Package config provides YAML-based configuration loading for plotsync.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// TokenEnv overrides discord.token when set.
const TokenEnv = "PLOTSYNC_DISCORD_TOKEN"

// Config is the top-level plotsync configuration, loaded from plotsync.yaml.
type Config struct {
	Discord   DiscordConfig     `yaml:"discord"`
	Registry  RegistryConfig    `yaml:"registry"`
	Plots     PlotsConfig       `yaml:"plots"`
	Showcase  ShowcaseConfig    `yaml:"showcase"`
	Reconcile ReconcileConfig   `yaml:"reconcile"`
	HTTP      HTTPConfig        `yaml:"http"`
	Log       LogConfig         `yaml:"log"`
	Language  string            `yaml:"language"`
	Messages  map[string]string `yaml:"messages"`
}

// DiscordConfig holds bot credentials and the forum that hosts plot threads.
type DiscordConfig struct {
	Token             string  `yaml:"token"`
	GuildID           string  `yaml:"guild_id"`
	ForumChannelID    string  `yaml:"forum_channel_id"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// DatabaseConfig holds connection settings for a SQL database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file
}

// RegistryConfig configures the thread registry table.
type RegistryConfig struct {
	DatabaseConfig `yaml:",inline"`
	Table          string `yaml:"table"`
	LeakSlack      int    `yaml:"leak_slack"`
}

// PlotsConfig configures the read-only query against the plot application.
type PlotsConfig struct {
	DatabaseConfig `yaml:",inline"`
	Table          string `yaml:"table"`
	IDColumn       string `yaml:"id_column"`
	StatusColumn   string `yaml:"status_column"`
	OwnerColumn    string `yaml:"owner_column"`
	CityColumn     string `yaml:"city_column"`
}

// ShowcaseConfig controls how plot images are addressed.
type ShowcaseConfig struct {
	BaseURL    string `yaml:"base_url"`
	FilePrefix string `yaml:"file_prefix"`
	AvatarURL  string `yaml:"avatar_url"` // fmt template taking the owner ref
}

// ReconcileConfig tunes the reconciler and the periodic resync.
type ReconcileConfig struct {
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	TagTimeout    time.Duration `yaml:"tag_timeout"`
	ResyncCron    string        `yaml:"resync_cron"`
	ResyncWorkers int           `yaml:"resync_workers"`
}

// HTTPConfig configures the ops endpoint. Port 0 disables it.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
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
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if tok := os.Getenv(TokenEnv); tok != "" {
		c.Discord.Token = tok
	}
	if c.Discord.RequestsPerSecond == 0 {
		c.Discord.RequestsPerSecond = 5
	}

	c.Registry.DatabaseConfig.applyDefaults()
	if c.Registry.Table == "" {
		c.Registry.Table = "plotsync_threads"
	}
	if c.Registry.LeakSlack == 0 {
		c.Registry.LeakSlack = 4
	}

	c.Plots.DatabaseConfig.applyDefaults()
	if c.Plots.Table == "" {
		c.Plots.Table = "plotsystem_plots"
	}
	if c.Plots.IDColumn == "" {
		c.Plots.IDColumn = "id"
	}
	if c.Plots.StatusColumn == "" {
		c.Plots.StatusColumn = "status"
	}
	if c.Plots.OwnerColumn == "" {
		c.Plots.OwnerColumn = "owner_uuid"
	}

	if c.Showcase.FilePrefix == "" {
		c.Showcase.FilePrefix = "plot-"
	}

	if c.Reconcile.RetryBackoff == 0 {
		c.Reconcile.RetryBackoff = 5 * time.Second
	}
	if c.Reconcile.TagTimeout == 0 {
		c.Reconcile.TagTimeout = 60 * time.Second
	}
	if c.Reconcile.ResyncCron == "" {
		c.Reconcile.ResyncCron = "*/30 * * * *"
	}
	if c.Reconcile.ResyncWorkers == 0 {
		c.Reconcile.ResyncWorkers = 4
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (d *DatabaseConfig) applyDefaults() {
	if d.Driver == "" {
		d.Driver = "mysql"
	}
	if d.Driver == "mysql" {
		if d.Host == "" {
			d.Host = "127.0.0.1"
		}
		if d.Port == 0 {
			d.Port = 3306
		}
		if d.User == "" {
			d.User = "root"
		}
	}
}

func (d DatabaseConfig) validate(prefix string) []string {
	var errs []string
	switch d.Driver {
	case "mysql":
		if d.Database == "" {
			errs = append(errs, prefix+".database is required")
		}
	case "sqlite":
		if d.Path == "" {
			errs = append(errs, prefix+".path is required for sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("%s.driver %q is not supported (mysql, sqlite)", prefix, d.Driver))
	}
	return errs
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Discord.Token == "" {
		errs = append(errs, "discord.token is required (or set "+TokenEnv+")")
	}
	if c.Discord.ForumChannelID == "" {
		errs = append(errs, "discord.forum_channel_id is required")
	}
	if c.Discord.RequestsPerSecond < 0 {
		errs = append(errs, "discord.requests_per_second must not be negative")
	}
	errs = append(errs, c.Registry.DatabaseConfig.validate("registry")...)
	errs = append(errs, c.Plots.DatabaseConfig.validate("plots")...)
	if c.Reconcile.RetryBackoff < 0 {
		errs = append(errs, "reconcile.retry_backoff must not be negative")
	}
	if c.Reconcile.ResyncWorkers < 0 {
		errs = append(errs, "reconcile.resync_workers must not be negative")
	}
	if _, err := cron.ParseStandard(c.Reconcile.ResyncCron); err != nil {
		errs = append(errs, fmt.Sprintf("reconcile.resync_cron: %v", err))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port %d is out of range", c.HTTP.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
