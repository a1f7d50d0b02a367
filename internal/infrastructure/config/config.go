// Package config loads the service configuration: a JSON file named on the
// command line, then FDS_-prefixed environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/viper"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Version     string `mapstructure:"version"`
	LogFilename string `mapstructure:"config_log_filename" env:"FDS_LOG_FILENAME, overwrite"`
	LogLevel    string `mapstructure:"log_level"           env:"FDS_LOG_LEVEL, overwrite"`
	LogPretty   bool   `mapstructure:"log_pretty"`

	SecretKey         string   `mapstructure:"secret_key"         env:"FDS_SECRET_KEY, overwrite"`
	Issuer            string   `mapstructure:"issuer"`
	TokenTTLMinutes   int      `mapstructure:"token_ttl_minutes"`
	PasswordScheme    string   `mapstructure:"password_scheme"`
	PermittedLicenses []string `mapstructure:"permitted_licenses"`
	DefaultLicense    string   `mapstructure:"default_license"`

	HTTPAddress        string `mapstructure:"fds_http_address" env:"FDS_HTTP_ADDRESS, overwrite"`
	StopWord           string `mapstructure:"stop_word"        env:"FDS_STOP_WORD, overwrite"`
	RateLimitPerSecond int    `mapstructure:"rate_limit_per_second"`

	ModulesDefinitionFile string `mapstructure:"modules_definition_file"`
	ModulesBaseAddress    string `mapstructure:"modules_base_pull_address"`
	ModulesBasePort       int    `mapstructure:"modules_base_pull_port"`
	SubAddress            string `mapstructure:"fds_nng_sub_address"`
	RepAddress            string `mapstructure:"fds_nng_rep_address"`
	ModuleExitCode        string `mapstructure:"module_exit_code"`
	PIDDir                string `mapstructure:"pid_dir"`

	ExecutionTimeoutSeconds int            `mapstructure:"execution_timeout_seconds"`
	MessageTimeouts         map[string]int `mapstructure:"message_timeouts"`
	ExecutionTTLSeconds     int            `mapstructure:"execution_ttl_seconds"`
	SweepIntervalSeconds    int            `mapstructure:"sweep_interval_seconds"`
	HealthIntervalSeconds   int            `mapstructure:"health_interval_seconds"`
	ReadyTimeoutSeconds     int            `mapstructure:"ready_timeout_seconds"`
	RestartLimit            int            `mapstructure:"restart_limit"`
	DialAttempts            int            `mapstructure:"dial_attempts"`
	DialBackoffMillis       int            `mapstructure:"dial_backoff_ms"`
	SendDeadlineMillis      int            `mapstructure:"send_deadline_ms"`
	ExitGraceSeconds        int            `mapstructure:"exit_grace_seconds"`

	Store StoreConfig `mapstructure:"store"`
	Redis RedisConfig `mapstructure:"redis"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver"         env:"FDS_STORE_DRIVER, overwrite"`
	PostgresDSN   string `mapstructure:"postgres_dsn"   env:"FDS_POSTGRES_DSN, overwrite"`
	MongoURI      string `mapstructure:"mongo_uri"      env:"FDS_MONGO_URI, overwrite"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type RedisConfig struct {
	Addr            string `mapstructure:"addr" env:"FDS_REDIS_ADDR, overwrite"`
	DB              int    `mapstructure:"db"`
	DedupTTLSeconds int    `mapstructure:"dedup_ttl_seconds"`
}

var defaults = map[string]any{
	"version":                   domain.ProtocolVersion,
	"log_level":                 "info",
	"issuer":                    "fds-service",
	"token_ttl_minutes":         60,
	"password_scheme":           "sha256",
	"permitted_licenses":        []string{string(domain.LicenseDemo)},
	"default_license":           string(domain.LicenseDemo),
	"fds_http_address":          "127.0.0.1:8080",
	"rate_limit_per_second":     20,
	"modules_definition_file":   "modules.json",
	"modules_base_pull_address": "tcp://127.0.0.1",
	"modules_base_pull_port":    5600,
	"fds_nng_sub_address":       "tcp://127.0.0.1:5555",
	"fds_nng_rep_address":       "tcp://127.0.0.1:5556",
	"pid_dir":                   ".",
	"execution_timeout_seconds": 60,
	"execution_ttl_seconds":     120,
	"sweep_interval_seconds":    5,
	"health_interval_seconds":   30,
	"ready_timeout_seconds":     20,
	"restart_limit":             2,
	"dial_attempts":             3,
	"dial_backoff_ms":           200,
	"send_deadline_ms":          250,
	"exit_grace_seconds":        3,
	"store.driver":              DriverMemory,
	"store.mongo_database":      "fds",
	"redis.dedup_ttl_seconds":   600,
}

// Load reads path and applies environment overrides from the process
// environment. The result is validated.
func Load(ctx context.Context, path string) (*Config, error) {
	return LoadWith(ctx, path, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit environment lookuper.
func LoadWith(ctx context.Context, path string, env envconfig.Lookuper) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: env}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Version != domain.ProtocolVersion {
		add("version %q, want %q", c.Version, domain.ProtocolVersion)
	}
	if c.SecretKey == "" {
		add("secret_key is empty")
	}
	if c.HTTPAddress == "" {
		add("fds_http_address is empty")
	}
	if c.ModulesBasePort <= 0 {
		add("modules_base_pull_port must be positive")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			add("store.postgres_dsn is required for the postgres driver")
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			add("store.mongo_uri is required for the mongo driver")
		}
	default:
		add("unknown store driver %q", c.Store.Driver)
	}
	for _, l := range c.PermittedLicenses {
		if !domain.LicenseTier(l).Valid() {
			add("unknown license tier %q in permitted_licenses", l)
		}
	}
	if !domain.LicenseTier(c.DefaultLicense).Valid() {
		add("unknown default_license %q", c.DefaultLicense)
	}
	return errs.ErrorOrNil()
}

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) ExecutionTimeout() time.Duration { return seconds(c.ExecutionTimeoutSeconds) }
func (c *Config) ExecutionTTL() time.Duration     { return seconds(c.ExecutionTTLSeconds) }
func (c *Config) SweepInterval() time.Duration    { return seconds(c.SweepIntervalSeconds) }
func (c *Config) TokenTTL() time.Duration         { return time.Duration(c.TokenTTLMinutes) * time.Minute }
func (c *Config) DedupTTL() time.Duration         { return seconds(c.Redis.DedupTTLSeconds) }

// MessageTimeoutMap converts per-code overrides to durations.
func (c *Config) MessageTimeoutMap() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.MessageTimeouts))
	for code, s := range c.MessageTimeouts {
		if s > 0 {
			out[code] = seconds(s)
		}
	}
	return out
}

// Licenses returns the permitted tiers as domain values.
func (c *Config) Licenses() []domain.LicenseTier {
	out := make([]domain.LicenseTier, 0, len(c.PermittedLicenses))
	for _, l := range c.PermittedLicenses {
		out = append(out, domain.LicenseTier(l))
	}
	return out
}

// SupervisorTimings groups the supervisor durations.
type SupervisorTimings struct {
	ReadyTimeout   time.Duration
	HealthInterval time.Duration
	DialBackoff    time.Duration
	SendDeadline   time.Duration
	ExitGrace      time.Duration
}

func (c *Config) SupervisorTimings() SupervisorTimings {
	return SupervisorTimings{
		ReadyTimeout:   seconds(c.ReadyTimeoutSeconds),
		HealthInterval: seconds(c.HealthIntervalSeconds),
		DialBackoff:    milliseconds(c.DialBackoffMillis),
		SendDeadline:   milliseconds(c.SendDeadlineMillis),
		ExitGrace:      seconds(c.ExitGraceSeconds),
	}
}
