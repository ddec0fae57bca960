package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testArbitrator = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HTTP_ADDR", "ARBITRATOR_ADDRESS", "STORE_PROVIDER", "DATABASE_URL", "REDIS_URL",
		"JWT_SECRET", "REFRESH_INTERVAL", "CACHE_TTL", "SHUTDOWN_TIMEOUT", "SESSION_IDLE_TTL",
		"REFRESH_RATE_LIMIT", "REFRESH_BURST", "MAX_DB_CONNS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
http_addr: ":9000"
ledger:
  arbitrator_address: "` + testArbitrator + `"
  store_provider: "postgres://ledger@localhost/ledger"
auth:
  jwt_secret: "file-secret"
sync:
  refresh_interval: "30s"
  refresh_burst: 5
  session_idle_ttl: "10m"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("CACHE_TTL", "2m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("expected http addr from file, got %s", cfg.HTTPAddr)
	}
	if cfg.ArbitratorAddress != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Fatalf("expected checksummed arbitrator, got %s", cfg.ArbitratorAddress)
	}
	if cfg.JWTSecret != "env-secret" {
		t.Fatalf("expected env to override file, got %s", cfg.JWTSecret)
	}
	if cfg.RefreshInterval != 30*time.Second || cfg.CacheTTL != 2*time.Minute || cfg.RefreshBurst != 5 {
		t.Fatalf("unexpected sync settings: %+v", cfg)
	}
	if cfg.DatabaseURL != "postgres://ledger@localhost/ledger" {
		t.Fatalf("expected database url to default to store provider, got %s", cfg.DatabaseURL)
	}
	if cfg.SessionIdleTTL != 10*time.Minute {
		t.Fatalf("expected session idle ttl from file, got %s", cfg.SessionIdleTTL)
	}
}

func TestLoad_MissingFileUsesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ARBITRATOR_ADDRESS", testArbitrator)
	t.Setenv("STORE_PROVIDER", "postgres://ledger@localhost/ledger")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.RefreshInterval != time.Minute || cfg.SessionIdleTTL != 30*time.Minute {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoad_ConfigurationFailures(t *testing.T) {
	cases := map[string]map[string]string{
		"missing arbitrator": {"STORE_PROVIDER": "pg", "JWT_SECRET": "s"},
		"invalid arbitrator": {"ARBITRATOR_ADDRESS": "0x1", "STORE_PROVIDER": "pg", "JWT_SECRET": "s"},
		"missing provider":   {"ARBITRATOR_ADDRESS": testArbitrator, "JWT_SECRET": "s"},
		"missing secret":     {"ARBITRATOR_ADDRESS": testArbitrator, "STORE_PROVIDER": "pg"},
		"bad duration":       {"ARBITRATOR_ADDRESS": testArbitrator, "STORE_PROVIDER": "pg", "JWT_SECRET": "s", "REFRESH_INTERVAL": "soon"},
		"negative idle ttl":  {"ARBITRATOR_ADDRESS": testArbitrator, "STORE_PROVIDER": "pg", "JWT_SECRET": "s", "SESSION_IDLE_TTL": "-1m"},
		"bad burst":          {"ARBITRATOR_ADDRESS": testArbitrator, "STORE_PROVIDER": "pg", "JWT_SECRET": "s", "REFRESH_BURST": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}
