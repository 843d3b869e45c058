package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMissing  = errors.New("config file is missing version field")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrUnknownStorageBackend = errors.New("unknown storage backend")
)

// RepositoryVersion is the repository version tag for config file references.
const RepositoryVersion = "v1.0.0"

// Current version of the config file.
const (
	CurrentCommonVersion = 1
	CurrentBotVersion    = 1
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config represents the entire application configuration.
type Config struct {
	Common CommonConfig
	Bot    BotConfig
}

// CommonConfig contains configuration shared by every command.
type CommonConfig struct {
	// Version of the common config.
	Version    int        `koanf:"version"`
	Debug      Debug      `koanf:"debug"`
	PostgreSQL PostgreSQL `koanf:"postgresql"`
	Redis      Redis      `koanf:"redis"`
	Storage    Storage    `koanf:"storage"`
	Moderation Moderation `koanf:"moderation"`
	Metrics    Metrics    `koanf:"metrics"`
}

// BotConfig contains Discord bot specific configuration.
type BotConfig struct {
	// Version of the bot config.
	Version  int      `koanf:"version"`
	Discord  Discord  `koanf:"discord"`
	Pipeline Pipeline `koanf:"pipeline"`
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Maximum log files to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
	// Maximum lines per log file.
	MaxLogLines int `koanf:"max_log_lines"`
	// Enable pprof debugging.
	EnablePprof bool `koanf:"enable_pprof"`
	// pprof server port.
	PprofPort int `koanf:"pprof_port"`
}

// Retry contains retry configuration.
type Retry struct {
	// Maximum retry attempts.
	MaxRetries uint64 `koanf:"max_retries"`
	// Initial retry delay in milliseconds.
	Delay int `koanf:"delay"`
	// Maximum retry delay in milliseconds.
	MaxDelay int `koanf:"max_delay"`
}

// CircuitBreaker contains circuit breaker configuration.
type CircuitBreaker struct {
	// Maximum number of requests allowed to pass through when the circuit is half-open.
	MaxRequests uint32 `koanf:"max_requests"`
	// The cyclic period of the closed state for the circuit breaker to clear the internal counts, in seconds.
	Interval int `koanf:"interval"`
	// The period of the open state after which the state of the circuit breaker becomes half-open, in seconds.
	Timeout int `koanf:"timeout"`
	// Consecutive failures that open the circuit.
	MaxFailures uint32 `koanf:"max_failures"`
}

// PostgreSQL contains database connection configuration.
type PostgreSQL struct {
	// Database hostname.
	Host string `koanf:"host"`
	// Database port.
	Port int `koanf:"port"`
	// Database username.
	User string `koanf:"user"`
	// Database password.
	Password string `koanf:"password"`
	// Database name.
	DBName string `koanf:"db_name"`
	// Maximum open connections.
	MaxOpenConns int `koanf:"max_open_conns"`
	// Maximum idle connections.
	MaxIdleConns int `koanf:"max_idle_conns"`
	// Connection lifetime in minutes.
	MaxLifetime int `koanf:"max_lifetime"`
	// Idle timeout in minutes.
	MaxIdleTime int `koanf:"max_idle_time"`
}

// Redis contains Redis connection configuration.
type Redis struct {
	// Redis hostname.
	Host string `koanf:"host"`
	// Redis port.
	Port int `koanf:"port"`
	// Redis username.
	Username string `koanf:"username"`
	// Redis password.
	Password string `koanf:"password"`
}

// Storage selects where scope configs and counters are kept.
type Storage struct {
	// Backend name, "postgres" or "redis".
	Backend string `koanf:"backend"`
	// Run pending migrations on startup (postgres only).
	AutoMigrate bool `koanf:"auto_migrate"`
	// Scope config cache lifetime in seconds. Zero disables caching.
	ConfigCacheTTL int `koanf:"config_cache_ttl"`
}

// Moderation contains the content classification endpoint configuration.
type Moderation struct {
	// Base URL of the API, the moderations path is appended.
	Endpoint string `koanf:"endpoint"`
	// Classification model name.
	Model string `koanf:"model"`
	// Process-wide API key used by scopes without their own.
	APIKey string `koanf:"api_key"`
	// Per-attempt request timeout in seconds.
	RequestTimeout int `koanf:"request_timeout"`
	// Maximum concurrent requests.
	MaxConcurrent int64 `koanf:"max_concurrent"`
	// Retry policy for 5xx responses.
	Retry Retry `koanf:"retry"`
	// Circuit breaker guarding the endpoint.
	CircuitBreaker CircuitBreaker `koanf:"circuit_breaker"`
}

// Metrics contains prometheus exporter configuration.
type Metrics struct {
	// Serve metrics over HTTP.
	Enabled bool `koanf:"enabled"`
	// Listen address of the metrics server.
	Address string `koanf:"address"`
}

// Discord contains Discord bot configuration.
type Discord struct {
	// Discord bot token for authentication.
	Token string `koanf:"token"`
	// User IDs allowed to run owner commands such as counter resets.
	OwnerIDs []uint64 `koanf:"owner_ids"`
	// Register slash commands on startup.
	RegisterCommands bool `koanf:"register_commands"`
}

// Pipeline contains event processing configuration.
type Pipeline struct {
	// Maximum events processed concurrently.
	MaxWorkers int `koanf:"max_workers"`
	// Events that may wait for a free worker before new ones are dropped.
	QueueSize int `koanf:"queue_size"`
	// Queued and running events one scope may hold at once.
	MaxPerScope int `koanf:"max_per_scope"`
	// Interval between counter flushes in seconds.
	FlushInterval int `koanf:"flush_interval"`
	// Timeout of each moderation action in seconds.
	ActionTimeout int `koanf:"action_timeout"`
	// Time in seconds in-flight events get to finish on shutdown.
	ShutdownGrace int `koanf:"shutdown_grace"`
	// Lifetime of feedback sessions in seconds.
	FeedbackTTL int `koanf:"feedback_ttl"`
}

// DefaultSearchPaths returns the directories searched for config files, in order.
func DefaultSearchPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	return []string{
		".modguard",
		filepath.Join(homeDir, ".modguard", "config"),
		"/etc/modguard/config",
		"/app/config",
		"config",
		".",
	}, nil
}

// LoadConfig loads the configuration from the default search paths.
// Returns the config along with the used config directory.
func LoadConfig() (*Config, string, error) {
	configPaths, err := DefaultSearchPaths()
	if err != nil {
		return nil, "", err
	}

	return LoadConfigFrom(configPaths)
}

// LoadConfigFrom loads common.toml and bot.toml from the first path containing each.
func LoadConfigFrom(configPaths []string) (*Config, string, error) {
	k := koanf.New(".")

	var usedConfigPath string

	configFiles := []string{"common", "bot"}
	for _, configName := range configFiles {
		configLoaded := false

		for _, path := range configPaths {
			configPath := filepath.Join(path, configName+".toml")
			if err := k.Load(file.Provider(configPath), toml.Parser()); err == nil {
				configLoaded = true

				if usedConfigPath == "" {
					usedConfigPath = path
				}

				break
			}
		}

		if !configLoaded {
			return nil, "", fmt.Errorf("%w: %s.toml", ErrConfigFileNotFound, configName)
		}
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Check versions for each config file
	if err := checkConfigVersion("common", config.Common.Version, CurrentCommonVersion); err != nil {
		return nil, "", err
	}

	if err := checkConfigVersion("bot", config.Bot.Version, CurrentBotVersion); err != nil {
		return nil, "", err
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, "", err
	}

	return &config, usedConfigPath, nil
}

// applyDefaults fills unset values.
func (c *Config) applyDefaults() {
	common := &c.Common
	if common.Debug.LogLevel == "" {
		common.Debug.LogLevel = "info"
	}
	if common.Debug.MaxLogsToKeep <= 0 {
		common.Debug.MaxLogsToKeep = 10
	}
	if common.Debug.MaxLogLines <= 0 {
		common.Debug.MaxLogLines = 100000
	}
	if common.Storage.Backend == "" {
		common.Storage.Backend = StoragePostgres
	}

	mod := &common.Moderation
	if mod.Endpoint == "" {
		mod.Endpoint = "https://api.openai.com/v1"
	}
	if mod.Model == "" {
		mod.Model = "omni-moderation-latest"
	}
	if mod.RequestTimeout <= 0 {
		mod.RequestTimeout = 15
	}
	if mod.MaxConcurrent <= 0 {
		mod.MaxConcurrent = 8
	}
	if mod.Retry.MaxRetries == 0 {
		mod.Retry.MaxRetries = 3
	}
	if mod.Retry.Delay <= 0 {
		mod.Retry.Delay = 5000
	}
	if mod.Retry.MaxDelay <= 0 {
		mod.Retry.MaxDelay = 20000
	}
	if mod.CircuitBreaker.MaxRequests == 0 {
		mod.CircuitBreaker.MaxRequests = 1
	}
	if mod.CircuitBreaker.Timeout <= 0 {
		mod.CircuitBreaker.Timeout = 60
	}
	if mod.CircuitBreaker.MaxFailures == 0 {
		mod.CircuitBreaker.MaxFailures = 5
	}

	if common.Metrics.Address == "" {
		common.Metrics.Address = ":9090"
	}

	pipeline := &c.Bot.Pipeline
	if pipeline.MaxWorkers <= 0 {
		pipeline.MaxWorkers = 32
	}
	if pipeline.QueueSize <= 0 {
		pipeline.QueueSize = 256
	}
	if pipeline.MaxPerScope <= 0 {
		pipeline.MaxPerScope = 64
	}
	if pipeline.FlushInterval <= 0 {
		pipeline.FlushInterval = 300
	}
	if pipeline.ActionTimeout <= 0 {
		pipeline.ActionTimeout = 10
	}
	if pipeline.ShutdownGrace <= 0 {
		pipeline.ShutdownGrace = 10
	}
	if pipeline.FeedbackTTL <= 0 {
		pipeline.FeedbackTTL = 900
	}
}

func (c *Config) validate() error {
	switch c.Common.Storage.Backend {
	case StoragePostgres, StorageRedis:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorageBackend, c.Common.Storage.Backend)
	}
}

// checkConfigVersion checks if the config file version is correct.
func checkConfigVersion(name string, current, expected int) error {
	if current == 0 {
		return fmt.Errorf("%w: %s.toml", ErrConfigVersionMissing, name)
	}

	if current != expected {
		return fmt.Errorf(
			"%w: %s.toml (got: %d, expected: %d)\n"+
				"Please update your config file from: https://github.com/robalyx/modguard/tree/%s/config/%s.toml",
			ErrConfigVersionMismatch,
			name,
			current,
			expected,
			RepositoryVersion,
			name,
		)
	}

	return nil
}
