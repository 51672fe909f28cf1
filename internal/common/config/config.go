// Package config loads termd's configuration from defaults, an optional
// config.yaml, and TERMD_-prefixed environment variables, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root of the configuration tree.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Terminal   TerminalConfig   `mapstructure:"terminal"`
	Flow       FlowConfig       `mapstructure:"flow"`
	Scrollback ScrollbackConfig `mapstructure:"scrollback"`
	Handshake  HandshakeConfig  `mapstructure:"handshake"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig selects and parameterizes the durable-state backend.
// The default driver is embedded SQLite; PostgreSQL is available for
// deployments that already run one.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // sqlite database file
	Host     string `mapstructure:"host"`   // postgres settings below
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig parameterizes the external event bus. A blank URL keeps events
// on the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TerminalConfig holds session and PTY process configuration.
type TerminalConfig struct {
	MaxSessions    int      `mapstructure:"maxSessions"`
	DefaultCols    int      `mapstructure:"defaultCols"`
	DefaultRows    int      `mapstructure:"defaultRows"`
	Shell          string   `mapstructure:"shell"`     // empty = auto-detect login shell
	ShellArgs      []string `mapstructure:"shellArgs"` // extra args appended after the login flag
	SpawnTimeout   int      `mapstructure:"spawnTimeout"`   // in seconds
	TerminateGrace int      `mapstructure:"terminateGrace"` // in seconds
}

// FlowConfig holds output buffering and backpressure configuration.
type FlowConfig struct {
	FlushIntervalMs     int `mapstructure:"flushIntervalMs"`
	LargeChunkBytes     int `mapstructure:"largeChunkBytes"`
	TinyChunkBytes      int `mapstructure:"tinyChunkBytes"`
	MaxBufferedChunks   int `mapstructure:"maxBufferedChunks"`
	HighWatermarkBytes  int `mapstructure:"highWatermarkBytes"`
	LowWatermarkBytes   int `mapstructure:"lowWatermarkBytes"`
	BackpressureCheckMs int `mapstructure:"backpressureCheckMs"`
	LowLatencyQuietMs   int `mapstructure:"lowLatencyQuietMs"`
}

// ScrollbackConfig holds scrollback capture and persistence configuration.
type ScrollbackConfig struct {
	MaxLines        int `mapstructure:"maxLines"`
	ExpirationHours int `mapstructure:"expirationHours"`
	PersistInterval int `mapstructure:"persistInterval"` // in seconds
	QueryTimeout    int `mapstructure:"queryTimeout"`    // in seconds
}

// HandshakeConfig holds surface handshake timing configuration.
type HandshakeConfig struct {
	ReadyTimeout   int `mapstructure:"readyTimeout"`   // in seconds
	ConfirmTimeout int `mapstructure:"confirmTimeout"` // in seconds
}

// ReadTimeoutDuration converts the read timeout to a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration converts the write timeout to a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SpawnTimeoutDuration is the spawn readiness bound as a time.Duration.
func (t *TerminalConfig) SpawnTimeoutDuration() time.Duration {
	return time.Duration(t.SpawnTimeout) * time.Second
}

// TerminateGraceDuration is the termination grace period as a time.Duration.
func (t *TerminalConfig) TerminateGraceDuration() time.Duration {
	return time.Duration(t.TerminateGrace) * time.Second
}

// FlushInterval is the base flush interval as a time.Duration.
func (f *FlowConfig) FlushInterval() time.Duration {
	return time.Duration(f.FlushIntervalMs) * time.Millisecond
}

// BackpressureCheckInterval is the pause re-check interval as a time.Duration.
func (f *FlowConfig) BackpressureCheckInterval() time.Duration {
	return time.Duration(f.BackpressureCheckMs) * time.Millisecond
}

// LowLatencyQuietPeriod is the quiet period after which low-latency mode exits.
func (f *FlowConfig) LowLatencyQuietPeriod() time.Duration {
	return time.Duration(f.LowLatencyQuietMs) * time.Millisecond
}

// Expiration is the scrollback record lifetime as a time.Duration.
func (s *ScrollbackConfig) Expiration() time.Duration {
	return time.Duration(s.ExpirationHours) * time.Hour
}

// PersistIntervalDuration is the persist cadence as a time.Duration.
func (s *ScrollbackConfig) PersistIntervalDuration() time.Duration {
	return time.Duration(s.PersistInterval) * time.Second
}

// QueryTimeoutDuration is the surface query timeout as a time.Duration.
func (s *ScrollbackConfig) QueryTimeoutDuration() time.Duration {
	return time.Duration(s.QueryTimeout) * time.Second
}

// ReadyTimeoutDuration is the ready-signal bound as a time.Duration.
func (h *HandshakeConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(h.ReadyTimeout) * time.Second
}

// ConfirmTimeoutDuration is the create-confirmation bound as a time.Duration.
func (h *HandshakeConfig) ConfirmTimeoutDuration() time.Duration {
	return time.Duration(h.ConfirmTimeout) * time.Second
}

// detectDefaultLogFormat picks the default log encoding: json when the process
// looks production-hosted (Kubernetes, TERMD_ENV=production), text for
// interactive use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TERMD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults seeds every key so a bare environment still boots.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7180)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Embedded SQLite unless pointed at Postgres.
	v.SetDefault("storage.driver", "sqlite3")
	v.SetDefault("storage.path", "~/.termd/termd.db")
	v.SetDefault("storage.host", "")
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.user", "termd")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.dbName", "termd")
	v.SetDefault("storage.sslMode", "disable")
	v.SetDefault("storage.maxConns", 25)
	v.SetDefault("storage.minConns", 5)

	// An empty nats.url selects the in-memory bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "termd-cluster")
	v.SetDefault("nats.clientId", "termd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("terminal.maxSessions", 5)
	v.SetDefault("terminal.defaultCols", 80)
	v.SetDefault("terminal.defaultRows", 24)
	v.SetDefault("terminal.shell", "")
	v.SetDefault("terminal.shellArgs", []string{})
	v.SetDefault("terminal.spawnTimeout", 10)
	v.SetDefault("terminal.terminateGrace", 3)

	// The 16ms base interval targets 60 flushes/sec.
	v.SetDefault("flow.flushIntervalMs", 16)
	v.SetDefault("flow.largeChunkBytes", 500)
	v.SetDefault("flow.tinyChunkBytes", 10)
	v.SetDefault("flow.maxBufferedChunks", 50)
	v.SetDefault("flow.highWatermarkBytes", 128*1024)
	v.SetDefault("flow.lowWatermarkBytes", 64*1024)
	v.SetDefault("flow.backpressureCheckMs", 1000)
	v.SetDefault("flow.lowLatencyQuietMs", 2000)

	// Scrollback records expire after 7 days.
	v.SetDefault("scrollback.maxLines", 1000)
	v.SetDefault("scrollback.expirationHours", 168)
	v.SetDefault("scrollback.persistInterval", 300)
	v.SetDefault("scrollback.queryTimeout", 3)

	v.SetDefault("handshake.readyTimeout", 10)
	v.SetDefault("handshake.confirmTimeout", 5)
}

// Load reads the configuration from the default search path: config.yaml in
// the working directory or /etc/termd/, overridden by TERMD_ env vars.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an extra directory prepended to the config file
// search path.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TERMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv cannot map camelCase keys onto SNAKE_CASE variable names,
	// so every multi-word key is bound by hand.
	_ = v.BindEnv("storage.dbName", "TERMD_STORAGE_DB_NAME")
	_ = v.BindEnv("storage.sslMode", "TERMD_STORAGE_SSL_MODE")
	_ = v.BindEnv("storage.maxConns", "TERMD_STORAGE_MAX_CONNS")
	_ = v.BindEnv("storage.minConns", "TERMD_STORAGE_MIN_CONNS")
	_ = v.BindEnv("terminal.maxSessions", "TERMD_TERMINAL_MAX_SESSIONS")
	_ = v.BindEnv("terminal.defaultCols", "TERMD_TERMINAL_DEFAULT_COLS")
	_ = v.BindEnv("terminal.defaultRows", "TERMD_TERMINAL_DEFAULT_ROWS")
	_ = v.BindEnv("terminal.spawnTimeout", "TERMD_TERMINAL_SPAWN_TIMEOUT")
	_ = v.BindEnv("terminal.terminateGrace", "TERMD_TERMINAL_TERMINATE_GRACE")
	_ = v.BindEnv("flow.flushIntervalMs", "TERMD_FLOW_FLUSH_INTERVAL_MS")
	_ = v.BindEnv("flow.highWatermarkBytes", "TERMD_FLOW_HIGH_WATERMARK_BYTES")
	_ = v.BindEnv("flow.lowWatermarkBytes", "TERMD_FLOW_LOW_WATERMARK_BYTES")
	_ = v.BindEnv("scrollback.maxLines", "TERMD_SCROLLBACK_MAX_LINES")
	_ = v.BindEnv("scrollback.expirationHours", "TERMD_SCROLLBACK_EXPIRATION_HOURS")
	_ = v.BindEnv("scrollback.persistInterval", "TERMD_SCROLLBACK_PERSIST_INTERVAL")
	_ = v.BindEnv("handshake.readyTimeout", "TERMD_HANDSHAKE_READY_TIMEOUT")
	_ = v.BindEnv("handshake.confirmTimeout", "TERMD_HANDSHAKE_CONFIRM_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/termd/")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// validate checks range and presence constraints across every section,
// collecting all violations into one error.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Storage.Driver {
	case "sqlite3":
		if cfg.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Storage.Host == "" {
			errs = append(errs, "storage.host is required for the pgx driver")
		}
		if cfg.Storage.Port <= 0 || cfg.Storage.Port > 65535 {
			errs = append(errs, "storage.port must be between 1 and 65535")
		}
		if cfg.Storage.User == "" {
			errs = append(errs, "storage.user is required for the pgx driver")
		}
		if cfg.Storage.DBName == "" {
			errs = append(errs, "storage.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite3, pgx")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Terminal.MaxSessions <= 0 {
		errs = append(errs, "terminal.maxSessions must be positive")
	}
	if cfg.Terminal.DefaultCols <= 0 || cfg.Terminal.DefaultCols > 1000 {
		errs = append(errs, "terminal.defaultCols must be between 1 and 1000")
	}
	if cfg.Terminal.DefaultRows <= 0 || cfg.Terminal.DefaultRows > 1000 {
		errs = append(errs, "terminal.defaultRows must be between 1 and 1000")
	}
	if cfg.Terminal.TerminateGrace <= 0 {
		errs = append(errs, "terminal.terminateGrace must be positive")
	}

	if cfg.Flow.FlushIntervalMs <= 0 {
		errs = append(errs, "flow.flushIntervalMs must be positive")
	}
	if cfg.Flow.MaxBufferedChunks <= 0 {
		errs = append(errs, "flow.maxBufferedChunks must be positive")
	}
	if cfg.Flow.TinyChunkBytes >= cfg.Flow.LargeChunkBytes {
		errs = append(errs, "flow.tinyChunkBytes must be below flow.largeChunkBytes")
	}
	if cfg.Flow.LowWatermarkBytes >= cfg.Flow.HighWatermarkBytes {
		errs = append(errs, "flow.lowWatermarkBytes must be below flow.highWatermarkBytes")
	}
	// Below one second the pause gate oscillates.
	if cfg.Flow.BackpressureCheckMs < 1000 {
		errs = append(errs, "flow.backpressureCheckMs must be at least 1000")
	}

	if cfg.Scrollback.MaxLines <= 0 {
		errs = append(errs, "scrollback.maxLines must be positive")
	}
	if cfg.Scrollback.ExpirationHours <= 0 {
		errs = append(errs, "scrollback.expirationHours must be positive")
	}
	if cfg.Scrollback.PersistInterval <= 0 {
		errs = append(errs, "scrollback.persistInterval must be positive")
	}

	if cfg.Handshake.ReadyTimeout <= 0 {
		errs = append(errs, "handshake.readyTimeout must be positive")
	}
	if cfg.Handshake.ConfirmTimeout <= 0 {
		errs = append(errs, "handshake.confirmTimeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN assembles the PostgreSQL connection string.
func (s *StorageConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}

// DatabasePath returns storage.path with a leading ~ expanded to the home
// directory. SQLite only.
func (s *StorageConfig) DatabasePath() string {
	path := s.Path
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + path[1:]
		}
	}
	return path
}
