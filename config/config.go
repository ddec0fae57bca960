package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"arbiterdash/contract"
)

// ErrConfiguration marks a missing or invalid configuration value. It is
// not recovered from; the process refuses to start.
var ErrConfiguration = errors.New("config: invalid configuration")

// Config is the resolved runtime configuration.
type Config struct {
	HTTPAddr string

	ArbitratorAddress string
	StoreProvider     string
	DatabaseURL       string
	RedisURL          string
	MaxDBConns        int32

	JWTSecret string

	RefreshInterval  time.Duration
	CacheTTL         time.Duration
	RefreshRateLimit float64
	RefreshBurst     int
	SessionIdleTTL   time.Duration
	ShutdownTimeout  time.Duration
}

type configFile struct {
	HTTPAddr string `yaml:"http_addr"`
	Ledger   struct {
		ArbitratorAddress string `yaml:"arbitrator_address"`
		StoreProvider     string `yaml:"store_provider"`
	} `yaml:"ledger"`
	Dependencies struct {
		DatabaseURL string `yaml:"database_url"`
		RedisURL    string `yaml:"redis_url"`
		MaxDBConns  int32  `yaml:"max_db_conns"`
	} `yaml:"dependencies"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Sync struct {
		RefreshInterval  string  `yaml:"refresh_interval"`
		CacheTTL         string  `yaml:"cache_ttl"`
		RefreshRateLimit float64 `yaml:"refresh_rate_limit"`
		RefreshBurst     int     `yaml:"refresh_burst"`
		SessionIdleTTL   string  `yaml:"session_idle_ttl"`
	} `yaml:"sync"`
}

// Load resolves configuration in priority order: defaults, then the YAML
// file at path (skipped when it does not exist), then the environment.
func Load(path string) (Config, error) {
	cfg := Config{
		HTTPAddr:         ":8080",
		MaxDBConns:       10,
		RefreshInterval:  time.Minute,
		CacheTTL:         15 * time.Second,
		RefreshRateLimit: 1,
		RefreshBurst:     3,
		SessionIdleTTL:   30 * time.Minute,
		ShutdownTimeout:  10 * time.Second,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.StoreProvider
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values the process cannot run without and normalises
// the arbitrator address.
func (c *Config) Validate() error {
	if c.ArbitratorAddress == "" {
		return fmt.Errorf("%w: arbitrator address is required", ErrConfiguration)
	}
	addr, err := contract.NormalizeAddress(c.ArbitratorAddress)
	if err != nil {
		return fmt.Errorf("%w: arbitrator address: %v", ErrConfiguration, err)
	}
	c.ArbitratorAddress = addr

	if strings.TrimSpace(c.StoreProvider) == "" {
		return fmt.Errorf("%w: store provider is required", ErrConfiguration)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: jwt secret is required", ErrConfiguration)
	}
	if c.RefreshInterval < 0 || c.CacheTTL < 0 || c.SessionIdleTTL < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrConfiguration)
	}
	if c.RefreshRateLimit <= 0 || c.RefreshBurst <= 0 {
		return fmt.Errorf("%w: refresh rate limit must be positive", ErrConfiguration)
	}
	return nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("%w: parse config file: %v", ErrConfiguration, err)
	}

	if f.HTTPAddr != "" {
		cfg.HTTPAddr = f.HTTPAddr
	}
	if f.Ledger.ArbitratorAddress != "" {
		cfg.ArbitratorAddress = f.Ledger.ArbitratorAddress
	}
	if f.Ledger.StoreProvider != "" {
		cfg.StoreProvider = f.Ledger.StoreProvider
	}
	if f.Dependencies.DatabaseURL != "" {
		cfg.DatabaseURL = f.Dependencies.DatabaseURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if f.Dependencies.MaxDBConns > 0 {
		cfg.MaxDBConns = f.Dependencies.MaxDBConns
	}
	if f.Auth.JWTSecret != "" {
		cfg.JWTSecret = f.Auth.JWTSecret
	}
	if f.Sync.RefreshInterval != "" {
		d, err := time.ParseDuration(f.Sync.RefreshInterval)
		if err != nil {
			return fmt.Errorf("%w: sync.refresh_interval: %v", ErrConfiguration, err)
		}
		cfg.RefreshInterval = d
	}
	if f.Sync.CacheTTL != "" {
		d, err := time.ParseDuration(f.Sync.CacheTTL)
		if err != nil {
			return fmt.Errorf("%w: sync.cache_ttl: %v", ErrConfiguration, err)
		}
		cfg.CacheTTL = d
	}
	if f.Sync.SessionIdleTTL != "" {
		d, err := time.ParseDuration(f.Sync.SessionIdleTTL)
		if err != nil {
			return fmt.Errorf("%w: sync.session_idle_ttl: %v", ErrConfiguration, err)
		}
		cfg.SessionIdleTTL = d
	}
	if f.Sync.RefreshRateLimit > 0 {
		cfg.RefreshRateLimit = f.Sync.RefreshRateLimit
	}
	if f.Sync.RefreshBurst > 0 {
		cfg.RefreshBurst = f.Sync.RefreshBurst
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("ARBITRATOR_ADDRESS", &cfg.ArbitratorAddress)
	str("STORE_PROVIDER", &cfg.StoreProvider)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_URL", &cfg.RedisURL)
	str("JWT_SECRET", &cfg.JWTSecret)

	durations := map[string]*time.Duration{
		"REFRESH_INTERVAL": &cfg.RefreshInterval,
		"CACHE_TTL":        &cfg.CacheTTL,
		"SHUTDOWN_TIMEOUT": &cfg.ShutdownTimeout,
		"SESSION_IDLE_TTL": &cfg.SessionIdleTTL,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfiguration, key, err)
		}
		*dst = d
	}

	if v, ok := lookup("REFRESH_RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: REFRESH_RATE_LIMIT: %v", ErrConfiguration, err)
		}
		cfg.RefreshRateLimit = f
	}
	if v, ok := lookup("REFRESH_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: REFRESH_BURST: %v", ErrConfiguration, err)
		}
		cfg.RefreshBurst = n
	}
	if v, ok := lookup("MAX_DB_CONNS"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: MAX_DB_CONNS: %v", ErrConfiguration, err)
		}
		cfg.MaxDBConns = int32(n)
	}
	return nil
}
