// Package config loads the service configuration from defaults, an optional
// config file and ECHO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. ECHO_SERVER_PORT.
const EnvPrefix = "ECHO"

// ConfigFileEnv names an optional YAML/JSON/TOML config file.
const ConfigFileEnv = "ECHO_CONFIG_FILE"

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Profiling     ProfilingConfig     `mapstructure:"profiling"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Import        ImportConfig        `mapstructure:"import"`
	Log           LogConfig           `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	RateLimitPerSecond float64       `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
	AllowedOrigins     []string      `mapstructure:"allowed_origins"`
	MaxUploadBytes     int64         `mapstructure:"max_upload_bytes"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// DSN returns the PostgreSQL connection string
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   d.Host + ":" + strconv.Itoa(d.Port),
		Path:   "/" + d.Name,
	}
	q := url.Values{}
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// ProfilingConfig controls the pprof listener
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ObservabilityConfig controls the metrics endpoint
type ObservabilityConfig struct {
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// StorageConfig selects where the ledger state lives.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// WorkspaceKey names the ledger document in the postgres store.
	WorkspaceKey string `mapstructure:"workspace_key"`
}

// ImportConfig holds the ingestion and staging thresholds.
type ImportConfig struct {
	StreamingLineThreshold int   `mapstructure:"streaming_line_threshold"`
	StreamingByteThreshold int64 `mapstructure:"streaming_byte_threshold"`
	StreamChunkSize        int   `mapstructure:"stream_chunk_size"`

	UndoWindowMinutes    int           `mapstructure:"undo_window_minutes"`
	HistoryMaxEntries    int           `mapstructure:"history_max_entries"`
	HistoryMaxAgeDays    int           `mapstructure:"history_max_age_days"`
	StagedAutoExpireDays int           `mapstructure:"staged_auto_expire_days"`
	ExpireInterval       time.Duration `mapstructure:"expire_interval"`

	RulesFile          string   `mapstructure:"rules_file"`
	SavingsPatterns    []string `mapstructure:"savings_patterns"`
	NumberFormat       string   `mapstructure:"number_format"`
	DateFormat         string   `mapstructure:"date_format"`
	Timezone           string   `mapstructure:"timezone"`
	AllowTodayFallback bool     `mapstructure:"allow_today_fallback"`
}

// UndoWindow returns the undo window as a duration.
func (c ImportConfig) UndoWindow() time.Duration {
	return time.Duration(c.UndoWindowMinutes) * time.Minute
}

// HistoryMaxAge returns the ledger retention age as a duration.
func (c ImportConfig) HistoryMaxAge() time.Duration {
	return time.Duration(c.HistoryMaxAgeDays) * 24 * time.Hour
}

// Location resolves Timezone, defaulting to UTC.
func (c ImportConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid import timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SlogLevel maps Level to a slog level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_per_second", 20)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.max_upload_bytes", 32<<20)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "echo")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.port", 6060)

	v.SetDefault("observability.metrics_enabled", true)

	v.SetDefault("storage.driver", StorageMemory)
	v.SetDefault("storage.workspace_key", "default")

	v.SetDefault("import.streaming_line_threshold", 3000)
	v.SetDefault("import.streaming_byte_threshold", 500_000)
	v.SetDefault("import.stream_chunk_size", 500)
	v.SetDefault("import.undo_window_minutes", 30)
	v.SetDefault("import.history_max_entries", 30)
	v.SetDefault("import.history_max_age_days", 30)
	v.SetDefault("import.staged_auto_expire_days", 30)
	v.SetDefault("import.expire_interval", time.Hour)
	v.SetDefault("import.rules_file", "")
	v.SetDefault("import.savings_patterns", []string{})
	v.SetDefault("import.number_format", "")
	v.SetDefault("import.date_format", "")
	v.SetDefault("import.timezone", "")
	v.SetDefault("import.allow_today_fallback", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from defaults, the optional ECHO_CONFIG_FILE and
// the environment, in increasing precedence.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigFileEnv))
}

// LoadFile is Load with an explicit config file path; empty means none.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
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

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres:
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Storage.Driver))
	}
	if c.Storage.Driver == StoragePostgres && c.Storage.WorkspaceKey == "" {
		errs = append(errs, errors.New("storage.workspace_key is required for postgres storage"))
	}
	switch c.Import.NumberFormat {
	case "", "european", "american":
	default:
		errs = append(errs, fmt.Errorf("import.number_format must be european or american, got %q", c.Import.NumberFormat))
	}
	if c.Import.UndoWindowMinutes < 0 || c.Import.HistoryMaxEntries < 0 ||
		c.Import.HistoryMaxAgeDays < 0 || c.Import.StagedAutoExpireDays < 0 {
		errs = append(errs, errors.New("import thresholds must not be negative"))
	}
	if _, err := c.Import.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
