package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "FLEET"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabaseDSN       = "fleet.db"
	defaultLogLevel          = "info"
	defaultDirectoryTimeout  = 5 * time.Second
	defaultDirectoryCacheTTL = 10 * time.Minute
	defaultRedisChannel      = "fleet:"

	// DriverSQLite selects the embedded sqlite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a postgres server.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and CLI.
type AppConfig struct {
	HTTPAddress        string
	DatabaseDriver     string
	DatabaseDSN        string
	LogLevel           string
	DirectoryBaseURL   string
	DirectoryTimeout   time.Duration
	DirectoryCacheTTL  time.Duration
	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	RedisChannelPrefix string
	AllowedOrigins     []string
}

// RedisEnabled reports whether notifications should be published to redis.
func (c AppConfig) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddress) != ""
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("directory.timeout", defaultDirectoryTimeout)
	configViper.SetDefault("directory.cache_ttl", defaultDirectoryCacheTTL)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.channel_prefix", defaultRedisChannel)
	configViper.SetDefault("cors.allowed_origins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		DirectoryBaseURL:   strings.TrimSpace(configViper.GetString("directory.base_url")),
		DirectoryTimeout:   configViper.GetDuration("directory.timeout"),
		DirectoryCacheTTL:  configViper.GetDuration("directory.cache_ttl"),
		RedisAddress:       configViper.GetString("redis.address"),
		RedisPassword:      configViper.GetString("redis.password"),
		RedisDB:            configViper.GetInt("redis.db"),
		RedisChannelPrefix: configViper.GetString("redis.channel_prefix"),
		AllowedOrigins:     splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverPostgres {
		return fmt.Errorf("database.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.DirectoryBaseURL == "" {
		return fmt.Errorf("directory.base_url is required")
	}
	parsed, err := url.Parse(c.DirectoryBaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("directory.base_url must be an absolute http(s) url")
	}
	if c.DirectoryTimeout <= 0 {
		return fmt.Errorf("directory.timeout must be positive")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("redis.db must not be negative")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}
