package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen         = ":8446"
	defaultMarketsPath    = "config/markets.toml"
	defaultStatePath      = "data/lending"
	defaultPricesPath     = "data/prices.db"
	defaultPriceMaxAge    = 10 * time.Minute
	defaultRequestTimeout = 10 * time.Second
	defaultStreamBuffer   = 64
)

// Environment overrides, applied after the file is decoded.
const (
	EnvListen        = "LENDINGD_LISTEN"
	EnvMarkets       = "LENDINGD_MARKETS"
	EnvStatePath     = "LENDINGD_STATE_PATH"
	EnvPricesPath    = "LENDINGD_PRICES_PATH"
	EnvIndexerDriver = "LENDINGD_INDEXER_DRIVER"
	EnvIndexerDSN    = "LENDINGD_INDEXER_DSN"
	EnvHMACSecret    = "LENDINGD_AUTH_HMAC_SECRET"
	EnvAuthDisabled  = "LENDINGD_AUTH_DISABLED"
	EnvAllowInsecure = "LENDINGD_TLS_ALLOW_INSECURE"
	EnvRatePerMin    = "LENDINGD_RATE_PER_MIN"
	EnvLogLevel      = "LENDINGD_LOG_LEVEL"
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	Markets        string          `yaml:"markets"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	Storage        StorageConfig   `yaml:"storage"`
	Prices         PricesConfig    `yaml:"prices"`
	Indexer        IndexerConfig   `yaml:"indexer"`
	TLS            TLSConfig       `yaml:"tls"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Stream         StreamConfig    `yaml:"stream"`
	Log            LogConfig       `yaml:"log"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

// StorageConfig locates the LevelDB directory holding pools and positions.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// PricesConfig configures the admin-fed price store.
type PricesConfig struct {
	Path   string        `yaml:"path"`
	MaxAge time.Duration `yaml:"max_age"`
}

// IndexerConfig selects the event index database. An empty driver disables
// the index.
type IndexerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Disabled   bool           `yaml:"disabled"`
	HMACSecret string         `yaml:"hmac_secret"`
	Issuer     string         `yaml:"issuer"`
	Audience   string         `yaml:"audience"`
	ScopeClaim string         `yaml:"scope_claim"`
	ClockSkew  time.Duration  `yaml:"clock_skew"`
	MTLS       MTLSAuthConfig `yaml:"mtls"`
}

// MTLSAuthConfig enumerates the allowed client certificate identities.
type MTLSAuthConfig struct {
	AllowedCommonNames []string `yaml:"allowed_common_names"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

type StreamConfig struct {
	Buffer         int      `yaml:"buffer"`
	OriginPatterns []string `yaml:"origin_patterns"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig configures OTLP export. Env-provided OTEL_* settings take
// precedence in the daemon.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the settings used for keys missing from the file.
func Default() Config {
	return Config{
		ListenAddress:  defaultListen,
		Markets:        defaultMarketsPath,
		RequestTimeout: defaultRequestTimeout,
		Storage:        StorageConfig{Path: defaultStatePath},
		Prices:         PricesConfig{Path: defaultPricesPath, MaxAge: defaultPriceMaxAge},
		Stream:         StreamConfig{Buffer: defaultStreamBuffer},
		Auth:           AuthConfig{ScopeClaim: "scope", ClockSkew: 2 * time.Minute},
	}
}

// Load reads the YAML configuration from disk, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays LENDINGD_* variables onto cfg.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = parsed
		return nil
	}

	str(EnvListen, &cfg.ListenAddress)
	str(EnvMarkets, &cfg.Markets)
	str(EnvStatePath, &cfg.Storage.Path)
	str(EnvPricesPath, &cfg.Prices.Path)
	str(EnvIndexerDriver, &cfg.Indexer.Driver)
	str(EnvIndexerDSN, &cfg.Indexer.DSN)
	str(EnvHMACSecret, &cfg.Auth.HMACSecret)
	str(EnvLogLevel, &cfg.Log.Level)
	if err := boolean(EnvAuthDisabled, &cfg.Auth.Disabled); err != nil {
		return err
	}
	if err := boolean(EnvAllowInsecure, &cfg.TLS.AllowInsecure); err != nil {
		return err
	}
	if v, ok := lookup(EnvRatePerMin); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRatePerMin, err)
		}
		cfg.RateLimit.RequestsPerMinute = parsed
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Markets = strings.TrimSpace(cfg.Markets)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Prices.Path = strings.TrimSpace(cfg.Prices.Path)
	if cfg.Prices.MaxAge <= 0 {
		cfg.Prices.MaxAge = defaultPriceMaxAge
	}
	cfg.Indexer.Driver = strings.ToLower(strings.TrimSpace(cfg.Indexer.Driver))
	cfg.Indexer.DSN = strings.TrimSpace(cfg.Indexer.DSN)
	if cfg.Stream.Buffer <= 0 {
		cfg.Stream.Buffer = defaultStreamBuffer
	}
	cfg.Stream.OriginPatterns = trimAll(cfg.Stream.OriginPatterns)
	cfg.TLS.normalize()
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.MTLS.AllowedCommonNames = trimAll(cfg.Auth.MTLS.AllowedCommonNames)
}

func (cfg *Config) validate() error {
	if cfg.Markets == "" {
		return fmt.Errorf("markets file required")
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path required")
	}
	switch cfg.Indexer.Driver {
	case "":
	case "postgres", "sqlite":
		if cfg.Indexer.DSN == "" {
			return fmt.Errorf("indexer: dsn required for driver %s", cfg.Indexer.Driver)
		}
	default:
		return fmt.Errorf("indexer: unsupported driver %q", cfg.Indexer.Driver)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be non-negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.TLS); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return cfg.ClientCAPath != ""
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	if !cfg.Disabled && cfg.HMACSecret == "" {
		return fmt.Errorf("hmac_secret required unless auth is disabled")
	}
	if len(cfg.MTLS.AllowedCommonNames) > 0 && tls.ClientCAPath == "" {
		return fmt.Errorf("mtls.allowed_common_names requires tls.client_ca to be configured")
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
