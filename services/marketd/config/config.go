package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the file is decoded.
const (
	EnvDatabaseURL = "MARKETD_DATABASE_URL"
	EnvJWTSecret   = "MARKETD_JWT_SECRET"
	EnvListen      = "MARKETD_LISTEN"
	EnvEnvironment = "MARKETD_ENV"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations such as "30s" from TOML strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for marketd.
type Config struct {
	Environment   string              `yaml:"environment" toml:"environment"`
	Listen        string              `yaml:"listen" toml:"listen"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Market        MarketConfig        `yaml:"market" toml:"market"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" toml:"rate_limit"`
	CORS          CORSConfig          `yaml:"cors" toml:"cors"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Recon         ReconConfig         `yaml:"recon" toml:"recon"`
}

// DatabaseConfig selects the ledger backend.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
	Debug        bool   `yaml:"debug" toml:"debug"`
}

// MarketConfig holds pricing and settlement policy.
type MarketConfig struct {
	CommissionRate  string           `yaml:"commission_rate" toml:"commission_rate"`
	MaxPrice        string           `yaml:"max_price" toml:"max_price"`
	DefaultCurrency string           `yaml:"default_currency" toml:"default_currency"`
	Settlement      SettlementConfig `yaml:"settlement" toml:"settlement"`
	SweepInterval   Duration         `yaml:"sweep_interval" toml:"sweep_interval"`
}

// SettlementConfig toggles escrow and bounds the NFT transfer.
type SettlementConfig struct {
	Escrow          bool     `yaml:"escrow" toml:"escrow"`
	TransferTimeout Duration `yaml:"transfer_timeout" toml:"transfer_timeout"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	HMACSecret    string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer        string   `yaml:"issuer" toml:"issuer"`
	Audience      []string `yaml:"audience" toml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew" toml:"clock_skew"`
	AdminSubjects []string `yaml:"admin_subjects" toml:"admin_subjects"`
}

// RateLimitConfig throttles requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// ObservabilityConfig wires metrics and tracing.
type ObservabilityConfig struct {
	ServiceName  string  `yaml:"service_name" toml:"service_name"`
	Tracing      bool    `yaml:"tracing" toml:"tracing"`
	Metrics      bool    `yaml:"otlp_metrics" toml:"otlp_metrics"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool    `yaml:"otlp_insecure" toml:"otlp_insecure"`
	OTLPHeaders  string  `yaml:"otlp_headers" toml:"otlp_headers"`
	SampleRatio  float64 `yaml:"sample_ratio" toml:"sample_ratio"`
	LogRequests  bool    `yaml:"log_requests" toml:"log_requests"`
}

// LoggingConfig selects the log level and optional rotated file sink.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// ReconConfig schedules the daily sales reports.
type ReconConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	OutputDir string   `yaml:"output_dir" toml:"output_dir"`
	RunHour   int      `yaml:"run_hour" toml:"run_hour"`
	RunMinute int      `yaml:"run_minute" toml:"run_minute"`
	Window    Duration `yaml:"window" toml:"window"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, anything else as YAML. An empty path yields the defaults,
// still subject to environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		var err error
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			err = decodeTOML(path, &cfg)
		} else {
			err = decodeYAML(path, &cfg)
		}
		if err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg, os.Getenv)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeYAML(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func decodeTOML(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config: unknown field %s", undecoded[0])
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvDatabaseURL)); v != "" {
		cfg.Database.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := strings.TrimSpace(getenv(EnvJWTSecret)); v != "" {
		cfg.Auth.HMACSecret = v
	}
	if v := strings.TrimSpace(getenv(EnvListen)); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(getenv(EnvEnvironment)); v != "" {
		cfg.Environment = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "marketd.sqlite"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Market.CommissionRate == "" {
		cfg.Market.CommissionRate = "0.02"
	}
	if cfg.Market.MaxPrice == "" {
		cfg.Market.MaxPrice = "1000000"
	}
	if cfg.Market.DefaultCurrency == "" {
		cfg.Market.DefaultCurrency = "TON"
	}
	if cfg.Market.Settlement.TransferTimeout.Duration == 0 {
		cfg.Market.Settlement.TransferTimeout.Duration = 10 * time.Second
	}
	if cfg.Market.SweepInterval.Duration == 0 {
		cfg.Market.SweepInterval.Duration = time.Minute
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "marketd"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "recon"
	}
	if cfg.Recon.Window.Duration == 0 {
		cfg.Recon.Window.Duration = 24 * time.Hour
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return errors.New("database.dsn must be configured")
	}
	rate, err := cfg.Market.Commission()
	if err != nil {
		return err
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("market.commission_rate must be in [0, 1), got %s", rate)
	}
	maxPrice, err := cfg.Market.PriceCeiling()
	if err != nil {
		return err
	}
	if !maxPrice.IsPositive() {
		return errors.New("market.max_price must be positive")
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured (or set %s)", EnvJWTSecret)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	if cfg.Recon.RunHour < 0 || cfg.Recon.RunHour > 23 || cfg.Recon.RunMinute < 0 || cfg.Recon.RunMinute > 59 {
		return errors.New("recon.run_hour/run_minute out of range")
	}
	if cfg.Observability.SampleRatio < 0 || cfg.Observability.SampleRatio > 1 {
		return errors.New("observability.sample_ratio must be between 0 and 1")
	}
	return nil
}

// Commission parses the configured commission rate.
func (m MarketConfig) Commission() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(m.CommissionRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("market.commission_rate: %w", err)
	}
	return rate, nil
}

// PriceCeiling parses the configured maximum listing price.
func (m MarketConfig) PriceCeiling() (decimal.Decimal, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(m.MaxPrice))
	if err != nil {
		return decimal.Zero, fmt.Errorf("market.max_price: %w", err)
	}
	return price, nil
}
