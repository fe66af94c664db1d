package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("directory.base_url", "https://directory.example.com")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabaseDriver != DriverSQLite || cfg.DatabaseDSN != defaultDatabaseDSN {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.DirectoryTimeout != 5*time.Second || cfg.DirectoryCacheTTL != 10*time.Minute {
		t.Fatalf("unexpected directory defaults: %#v", cfg)
	}
	if cfg.RedisEnabled() {
		t.Fatalf("redis must be disabled without an address")
	}
	if cfg.RedisChannelPrefix != "fleet:" {
		t.Fatalf("unexpected channel prefix %q", cfg.RedisChannelPrefix)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("FLEET_DIRECTORY_BASE_URL", "http://directory.internal:9000")
	t.Setenv("FLEET_DATABASE_DRIVER", "Postgres")
	t.Setenv("FLEET_DATABASE_DSN", "host=db user=fleet")
	t.Setenv("FLEET_REDIS_ADDRESS", "redis:6379")
	t.Setenv("FLEET_DIRECTORY_TIMEOUT", "2s")
	t.Setenv("FLEET_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != DriverPostgres || cfg.DatabaseDSN != "host=db user=fleet" {
		t.Fatalf("unexpected database config: %#v", cfg)
	}
	if !cfg.RedisEnabled() || cfg.DirectoryTimeout != 2*time.Second {
		t.Fatalf("unexpected env config: %#v", cfg)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example.com|https://b.example.com" {
		t.Fatalf("unexpected origins: %#v", cfg.AllowedOrigins)
	}
}

func TestLoadValidates(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   interface{}
		message string
	}{
		{name: "missing directory", key: "directory.base_url", value: "", message: "directory.base_url is required"},
		{name: "relative directory", key: "directory.base_url", value: "directory.example.com", message: "absolute http(s) url"},
		{name: "unknown driver", key: "database.driver", value: "mysql", message: "database.driver"},
		{name: "empty dsn", key: "database.dsn", value: " ", message: "database.dsn is required"},
		{name: "zero timeout", key: "directory.timeout", value: "0s", message: "directory.timeout"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("directory.base_url", "https://directory.example.com")
			configViper.Set(testCase.key, testCase.value)

			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error containing %q, got %v", testCase.message, err)
			}
		})
	}
}
