// Package config provides configuration management for dashp2p using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8090
	defaultShutdownTimeout   = 10 * time.Second
	defaultHTTPTimeout       = 30 * time.Second
	defaultRetryAttempts     = 3
	defaultRetryDelay        = 500 * time.Millisecond
	defaultRetryMaxDelay     = 10 * time.Second
	defaultCircuitThreshold  = 5
	defaultCircuitTimeout    = 30 * time.Second
	defaultMaxManifestSize   = 16 << 20
	defaultDialTimeout       = 10 * time.Second
	defaultReadBufferSize    = 32 << 10
	defaultMaxInFlight       = 8
	defaultBufferMin         = 10 * time.Second
	defaultBufferLow         = 20 * time.Second
	defaultBufferHigh        = 50 * time.Second
	defaultDeltaT            = 10 * time.Second
	defaultPipelineDepth     = 2
	defaultTrendBucket       = 2 * time.Second
	defaultChunkSize         = 64 << 10
	defaultLoopTimeout       = 100 * time.Millisecond
	defaultEmptyPoll         = time.Second
	defaultWaitPoll          = 10 * time.Millisecond
	defaultHistorySize       = 256
	defaultRecordQueue       = 1024
	defaultSamplePeriod      = time.Second
	defaultMaxOpenConns      = 4
	defaultMaxIdleConns      = 2
	defaultUserAgent         = "dashp2p/1.0"
	defaultLoggingTimeFormat = time.RFC3339
)

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Adaptation AdaptationConfig `mapstructure:"adaptation" yaml:"adaptation"`
	Playback   PlaybackConfig   `mapstructure:"playback" yaml:"playback"`
	Stats      StatsConfig      `mapstructure:"stats" yaml:"stats"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// HTTPConfig holds the manifest client and segment connection settings.
type HTTPConfig struct {
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	CircuitThreshold int           `mapstructure:"circuit_threshold" yaml:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout" yaml:"circuit_timeout"`
	// MaxManifestSize limits a decoded manifest.
	// Supports human-readable values like "16MB", "512KiB", or raw byte counts.
	MaxManifestSize ByteSize `mapstructure:"max_manifest_size" yaml:"max_manifest_size"`
	UserAgent       string   `mapstructure:"user_agent" yaml:"user_agent"`

	DialTimeout    time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadBufferSize ByteSize      `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`
	// MaxInFlight caps requests sent but not completed per connection (0 = unlimited).
	MaxInFlight int `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	// MaxRequestsPerConnection closes a connection after that many requests (0 = unlimited).
	MaxRequestsPerConnection int `mapstructure:"max_requests_per_connection" yaml:"max_requests_per_connection"`
}

// AdaptationConfig holds the rate-adaptation parameters.
type AdaptationConfig struct {
	BufferMin     time.Duration `mapstructure:"buffer_min" yaml:"buffer_min"`
	BufferLow     time.Duration `mapstructure:"buffer_low" yaml:"buffer_low"`
	BufferHigh    time.Duration `mapstructure:"buffer_high" yaml:"buffer_high"`
	Alfa1         float64       `mapstructure:"alfa1" yaml:"alfa1"`
	Alfa2         float64       `mapstructure:"alfa2" yaml:"alfa2"`
	Alfa3         float64       `mapstructure:"alfa3" yaml:"alfa3"`
	Alfa4         float64       `mapstructure:"alfa4" yaml:"alfa4"`
	Alfa5         float64       `mapstructure:"alfa5" yaml:"alfa5"`
	DeltaT        time.Duration `mapstructure:"delta_t" yaml:"delta_t"`
	PipelineDepth int           `mapstructure:"pipeline_depth" yaml:"pipeline_depth"`
	Reconnect     bool          `mapstructure:"reconnect" yaml:"reconnect"`
	TrendBucket   time.Duration `mapstructure:"trend_bucket" yaml:"trend_bucket"`
}

// PlaybackConfig selects the played stream and tunes the coordinator.
type PlaybackConfig struct {
	Period        int `mapstructure:"period" yaml:"period"`
	AdaptationSet int `mapstructure:"adaptation_set" yaml:"adaptation_set"`
	// ChunkSize is the largest pull handed to the output.
	ChunkSize   ByteSize      `mapstructure:"chunk_size" yaml:"chunk_size"`
	LoopTimeout time.Duration `mapstructure:"loop_timeout" yaml:"loop_timeout"`
	EmptyPoll   time.Duration `mapstructure:"empty_poll" yaml:"empty_poll"`
	WaitPoll    time.Duration `mapstructure:"wait_poll" yaml:"wait_poll"`
}

// StatsConfig holds statistics collection configuration.
type StatsConfig struct {
	HistorySize  int           `mapstructure:"history_size" yaml:"history_size"`
	RecordQueue  int           `mapstructure:"record_queue" yaml:"record_queue"`
	SamplePeriod time.Duration `mapstructure:"sample_period" yaml:"sample_period"`
	// Persist stores every completed request in the database.
	Persist bool `mapstructure:"persist" yaml:"persist"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
}

// ServerConfig holds the local control API configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with DASHP2P_ and use underscores for nesting.
// Example: DASHP2P_ADAPTATION_BUFFER_HIGH=60s.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/dashp2p")
		v.AddConfigPath("$HOME/.dashp2p")
	}

	v.SetEnvPrefix("DASHP2P")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", defaultLoggingTimeFormat)

	// HTTP defaults
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)
	v.SetDefault("http.retry_max_delay", defaultRetryMaxDelay)
	v.SetDefault("http.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("http.circuit_timeout", defaultCircuitTimeout)
	v.SetDefault("http.max_manifest_size", defaultMaxManifestSize)
	v.SetDefault("http.user_agent", defaultUserAgent)
	v.SetDefault("http.dial_timeout", defaultDialTimeout)
	v.SetDefault("http.read_buffer_size", defaultReadBufferSize)
	v.SetDefault("http.max_in_flight", defaultMaxInFlight)
	v.SetDefault("http.max_requests_per_connection", 0)

	// Adaptation defaults
	v.SetDefault("adaptation.buffer_min", defaultBufferMin)
	v.SetDefault("adaptation.buffer_low", defaultBufferLow)
	v.SetDefault("adaptation.buffer_high", defaultBufferHigh)
	v.SetDefault("adaptation.alfa1", 0.75)
	v.SetDefault("adaptation.alfa2", 0.33)
	v.SetDefault("adaptation.alfa3", 0.5)
	v.SetDefault("adaptation.alfa4", 0.75)
	v.SetDefault("adaptation.alfa5", 0.9)
	v.SetDefault("adaptation.delta_t", defaultDeltaT)
	v.SetDefault("adaptation.pipeline_depth", defaultPipelineDepth)
	v.SetDefault("adaptation.reconnect", true)
	v.SetDefault("adaptation.trend_bucket", defaultTrendBucket)

	// Playback defaults
	v.SetDefault("playback.period", 0)
	v.SetDefault("playback.adaptation_set", 0)
	v.SetDefault("playback.chunk_size", defaultChunkSize)
	v.SetDefault("playback.loop_timeout", defaultLoopTimeout)
	v.SetDefault("playback.empty_poll", defaultEmptyPoll)
	v.SetDefault("playback.wait_poll", defaultWaitPoll)

	// Stats defaults
	v.SetDefault("stats.history_size", defaultHistorySize)
	v.SetDefault("stats.record_queue", defaultRecordQueue)
	v.SetDefault("stats.sample_period", defaultSamplePeriod)
	v.SetDefault("stats.persist", false)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "dashp2p.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.log_level", "warn")

	// Server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultHTTPTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// HTTP validation
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("http.retry_attempts must not be negative")
	}
	if c.HTTP.ReadBufferSize <= 0 {
		return fmt.Errorf("http.read_buffer_size must be positive")
	}
	if c.HTTP.MaxInFlight < 0 || c.HTTP.MaxRequestsPerConnection < 0 {
		return fmt.Errorf("http connection limits must not be negative")
	}

	// Adaptation validation
	a := c.Adaptation
	if a.BufferMin <= 0 || a.BufferMin >= a.BufferLow || a.BufferLow >= a.BufferHigh {
		return fmt.Errorf("adaptation buffer thresholds must satisfy 0 < buffer_min < buffer_low < buffer_high")
	}
	for i, alfa := range []float64{a.Alfa1, a.Alfa2, a.Alfa3, a.Alfa4, a.Alfa5} {
		if alfa <= 0 || alfa > 1 {
			return fmt.Errorf("adaptation.alfa%d must be in (0, 1]", i+1)
		}
	}
	if a.DeltaT <= 0 {
		return fmt.Errorf("adaptation.delta_t must be positive")
	}
	if a.PipelineDepth < 1 {
		return fmt.Errorf("adaptation.pipeline_depth must be at least 1")
	}

	// Playback validation
	if c.Playback.Period < 0 || c.Playback.AdaptationSet < 0 {
		return fmt.Errorf("playback.period and playback.adaptation_set must not be negative")
	}
	if c.Playback.ChunkSize <= 0 {
		return fmt.Errorf("playback.chunk_size must be positive")
	}

	// Stats validation
	if c.Stats.HistorySize < 1 {
		return fmt.Errorf("stats.history_size must be at least 1")
	}

	// Database validation
	if c.Stats.Persist {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Database.Driver] {
			return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required")
		}
	}

	// Server validation
	const maxPort = 65535
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > maxPort) {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
