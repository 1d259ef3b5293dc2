// Package config loads mma settings from a YAML file, MMA_ environment
// variables and a .env file, in increasing order of precedence for the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MMA_SERVER_ADDR.
const EnvPrefix = "MMA"

// Config represents the full mma configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Client    ClientConfig    `yaml:"client" mapstructure:"client"`
	AI        AIConfig        `yaml:"ai" mapstructure:"ai"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServerConfig configures `mma serve`.
type ServerConfig struct {
	Addr            string `yaml:"addr" mapstructure:"addr"`
	DBDriver        string `yaml:"db_driver" mapstructure:"db_driver"`
	DBDSN           string `yaml:"db_dsn" mapstructure:"db_dsn"`
	MaxPushAttempts int    `yaml:"max_push_attempts" mapstructure:"max_push_attempts"`

	// Daily jobs run at these offsets from UTC midnight.
	RecurrenceAt time.Duration `yaml:"recurrence_at" mapstructure:"recurrence_at"`
	ExpiryAt     time.Duration `yaml:"expiry_at" mapstructure:"expiry_at"`

	// Users lists the accounts and their bearer tokens. Users without a
	// tier get DefaultTier.
	Users       []UserConfig `yaml:"users" mapstructure:"users"`
	DefaultTier string       `yaml:"default_tier" mapstructure:"default_tier"`

	// OriginPatterns lists browser origins allowed on the websocket.
	OriginPatterns []string `yaml:"origin_patterns" mapstructure:"origin_patterns"`

	// SeedFile replaces the built-in welcome records.
	SeedFile string `yaml:"seed_file" mapstructure:"seed_file"`
}

// UserConfig is one account. It is a list entry rather than a map because
// viper lowercases map keys, and tokens are case sensitive.
type UserConfig struct {
	ID    string `yaml:"id" mapstructure:"id"`
	Token string `yaml:"token" mapstructure:"token"`
	Tier  string `yaml:"tier" mapstructure:"tier"`
}

// Tokens maps bearer tokens to user ids.
func (s *ServerConfig) Tokens() map[string]string {
	out := make(map[string]string, len(s.Users))
	for _, u := range s.Users {
		out[u.Token] = u.ID
	}
	return out
}

// Tiers maps user ids to their configured tier.
func (s *ServerConfig) Tiers() map[string]string {
	out := make(map[string]string, len(s.Users))
	for _, u := range s.Users {
		if u.Tier != "" {
			out[u.ID] = u.Tier
		}
	}
	return out
}

// ClientConfig configures the device commands.
type ClientConfig struct {
	ServerURL        string        `yaml:"server_url" mapstructure:"server_url"`
	Token            string        `yaml:"token" mapstructure:"token"`
	ReplicaDir       string        `yaml:"replica_dir" mapstructure:"replica_dir"`
	InboxDir         string        `yaml:"inbox_dir" mapstructure:"inbox_dir"`
	SyncInterval     time.Duration `yaml:"sync_interval" mapstructure:"sync_interval"`
	DebounceInterval time.Duration `yaml:"debounce_interval" mapstructure:"debounce_interval"`
}

// AIConfig configures quadrant suggestions. An empty APIKey disables them.
type AIConfig struct {
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// LogConfig configures logging. When File is set, logs are written there as
// JSON and rotated.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Tracing string `yaml:"tracing" mapstructure:"tracing"` // none or stdout
}

// DefaultDataDir is where device state lives unless configured.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mma"
	}
	return filepath.Join(home, ".mma")
}

// SetDefaults registers every key with its default so that environment
// overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	data := DefaultDataDir()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.db_driver", "sqlite")
	v.SetDefault("server.db_dsn", "mma.db")
	v.SetDefault("server.max_push_attempts", 3)
	v.SetDefault("server.recurrence_at", "0s")
	v.SetDefault("server.expiry_at", "5m")
	v.SetDefault("server.users", []UserConfig{})
	v.SetDefault("server.default_tier", "free")
	v.SetDefault("server.origin_patterns", []string{})
	v.SetDefault("server.seed_file", "")

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.token", "")
	v.SetDefault("client.replica_dir", filepath.Join(data, "replica"))
	v.SetDefault("client.inbox_dir", filepath.Join(data, "inbox"))
	v.SetDefault("client.sync_interval", "30s")
	v.SetDefault("client.debounce_interval", "500ms")

	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("ai.base_url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("telemetry.tracing", "none")
}

// NewViper returns a viper instance with defaults and environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("ai.api_key", EnvPrefix+"_AI_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

// Load reads configuration into v. When file is empty, mma.yaml is looked up
// in the working directory and then $HOME/.config/mma; a missing file is not
// an error. A .env file in the working directory is loaded first.
func Load(v *viper.Viper, file string) (*Config, error) {
	// Existing environment variables win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("mma")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "mma"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the Config has valid field values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Server.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("server.db_driver must be sqlite or postgres, got %q", c.Server.DBDriver))
	}
	if c.Server.MaxPushAttempts < 1 {
		errs = append(errs, errors.New("server.max_push_attempts must be at least 1"))
	}
	for name, d := range map[string]time.Duration{
		"server.recurrence_at": c.Server.RecurrenceAt,
		"server.expiry_at":     c.Server.ExpiryAt,
	} {
		if d < 0 || d >= 24*time.Hour {
			errs = append(errs, fmt.Errorf("%s must be within a day, got %s", name, d))
		}
	}
	if !validTier(c.Server.DefaultTier) {
		errs = append(errs, fmt.Errorf("server.default_tier must be free or pro, got %q", c.Server.DefaultTier))
	}
	tokens := make(map[string]bool, len(c.Server.Users))
	for i, u := range c.Server.Users {
		if u.ID == "" || u.Token == "" {
			errs = append(errs, fmt.Errorf("server.users[%d] needs an id and a token", i))
		}
		if tokens[u.Token] {
			errs = append(errs, fmt.Errorf("server.users[%d] reuses a token", i))
		}
		tokens[u.Token] = true
		if u.Tier != "" && !validTier(u.Tier) {
			errs = append(errs, fmt.Errorf("server.users[%d].tier must be free or pro, got %q", i, u.Tier))
		}
	}

	if c.Client.SyncInterval <= 0 {
		errs = append(errs, errors.New("client.sync_interval must be positive"))
	}
	if c.Client.DebounceInterval < 0 {
		errs = append(errs, errors.New("client.debounce_interval must not be negative"))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	switch c.Telemetry.Tracing {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("telemetry.tracing must be none or stdout, got %q", c.Telemetry.Tracing))
	}

	return errors.Join(errs...)
}

func validTier(t string) bool {
	return t == "free" || t == "pro"
}
