package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "REELSHELF"

	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultStorageBackend  = BackendSQLite
	defaultDatabasePath    = "reelshelf.db"
	defaultBadgerPath      = "reelshelf-badger"
	defaultRedisAddress    = "localhost:6379"
	defaultRedisKeyPrefix  = "reelshelf"
	defaultWritesPerSecond = 5.0
	defaultWriteBurst      = 10
	defaultEventsExchange  = "reelshelf.favorites"
	defaultAllowedOrigins  = "*"
)

// Storage backends accepted by storage.backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	LogFormat   string

	StorageBackend string
	DatabasePath   string
	DatabaseDSN    string
	BadgerPath     string
	BadgerInMemory bool
	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	WritesPerSecond float64
	WriteBurst      int

	EventsAMQPURL  string
	EventsExchange string

	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("badger.path", defaultBadgerPath)
	configViper.SetDefault("badger.in_memory", false)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.key_prefix", defaultRedisKeyPrefix)
	configViper.SetDefault("ratelimit.writes_per_second", defaultWritesPerSecond)
	configViper.SetDefault("ratelimit.burst", defaultWriteBurst)
	configViper.SetDefault("events.amqp_url", "")
	configViper.SetDefault("events.exchange", defaultEventsExchange)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
}

// LoadDotEnv loads variables from the given .env file (default ".env") into the process
// environment. Variables that are already set win. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		StorageBackend:  strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		BadgerPath:      configViper.GetString("badger.path"),
		BadgerInMemory:  configViper.GetBool("badger.in_memory"),
		RedisAddress:    configViper.GetString("redis.address"),
		RedisPassword:   configViper.GetString("redis.password"),
		RedisDB:         configViper.GetInt("redis.db"),
		RedisKeyPrefix:  configViper.GetString("redis.key_prefix"),
		WritesPerSecond: configViper.GetFloat64("ratelimit.writes_per_second"),
		WriteBurst:      configViper.GetInt("ratelimit.burst"),
		EventsAMQPURL:   strings.TrimSpace(configViper.GetString("events.amqp_url")),
		EventsExchange:  strings.TrimSpace(configViper.GetString("events.exchange")),
		AllowedOrigins:  splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	switch c.StorageBackend {
	case BackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	case BackendBadger:
		if !c.BadgerInMemory && strings.TrimSpace(c.BadgerPath) == "" {
			return fmt.Errorf("badger.path is required unless badger.in_memory is set")
		}
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of sqlite, postgres, badger, redis, got %q", c.StorageBackend)
	}
	if c.WritesPerSecond <= 0 {
		return fmt.Errorf("ratelimit.writes_per_second must be > 0")
	}
	if c.WriteBurst < 1 {
		return fmt.Errorf("ratelimit.burst must be >= 1")
	}
	if c.EventsAMQPURL != "" && c.EventsExchange == "" {
		return fmt.Errorf("events.exchange is required when events.amqp_url is set")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins is required")
	}
	return nil
}

func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	values := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
