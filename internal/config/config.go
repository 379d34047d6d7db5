package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Log       LogConfig
	Tracing   TracingConfig
	Crypto    CryptoConfig
	Reconcile ReconcileConfig
	Redis     RedisConfig
}

type AppConfig struct {
	Name        string
	Environment string
	Version     string
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory"; memory keeps documents in process
	// and is only meant for local runs.
	Driver          string
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode,
	)
}

type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
	Issuer         string
}

type LogConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type TracingConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	SampleRate   float64
}

type CryptoConfig struct {
	// KeySource is "env" (MasterKeyHex) or "aws" (Secrets Manager).
	KeySource         string
	MasterKeyHex      string
	SecretID          string
	AWSRegion         string
	ComplianceVersion string
}

type ReconcileConfig struct {
	// CreationTolerance is how close a consultation's creation time must be
	// to its patient's for the flag migration to treat it as the initial one.
	CreationTolerance time.Duration
	// WritesPerSecond paces batch runs; 0 disables pacing.
	WritesPerSecond         float64
	ConflictMaxTries        uint
	ConflictInitialInterval time.Duration
	ApprovalTTL             time.Duration
}

type RedisConfig struct {
	// Addr empty keeps the migration status cache in process.
	Addr      string
	Password  string
	DB        int
	StatusTTL time.Duration
}

var defaults = map[string]any{
	"APP_NAME":    "osteosync",
	"APP_ENV":     "development",
	"APP_VERSION": "0.0.0",

	"SERVER_HOST":             "0.0.0.0",
	"SERVER_PORT":             8080,
	"SERVER_READ_TIMEOUT":     15 * time.Second,
	"SERVER_WRITE_TIMEOUT":    5 * time.Minute,
	"SERVER_IDLE_TIMEOUT":     60 * time.Second,
	"SERVER_SHUTDOWN_TIMEOUT": 30 * time.Second,

	"DB_DRIVER":             "postgres",
	"DB_HOST":               "localhost",
	"DB_PORT":               5432,
	"DB_NAME":               "osteosync",
	"DB_USER":               "osteosync",
	"DB_PASSWORD":           "",
	"DB_SSLMODE":            "require",
	"DB_MAX_OPEN_CONNS":     25,
	"DB_MAX_IDLE_CONNS":     10,
	"DB_CONN_MAX_LIFETIME":  30 * time.Minute,
	"DB_CONN_MAX_IDLE_TIME": 5 * time.Minute,

	"JWT_SECRET":     "",
	"JWT_ACCESS_TTL": 15 * time.Minute,
	"JWT_ISSUER":     "osteosync",

	"LOG_LEVEL":  "info",
	"LOG_FORMAT": "json",
	"LOG_OUTPUT": "stdout",

	"TRACING_ENABLED":      false,
	"TRACING_SERVICE_NAME": "osteosync",
	"OTLP_ENDPOINT":        "otel-collector:4318",
	"TRACING_SAMPLE_RATE":  0.1,

	"CRYPTO_KEY_SOURCE":         "env",
	"CRYPTO_MASTER_KEY":         "",
	"CRYPTO_SECRET_ID":          "",
	"AWS_REGION":                "",
	"CRYPTO_COMPLIANCE_VERSION": "hds-1",

	"RECONCILE_CREATION_TOLERANCE": 5 * time.Second,
	"RECONCILE_WRITES_PER_SECOND":  20.0,
	"RECONCILE_CONFLICT_RETRIES":   5,
	"RECONCILE_CONFLICT_BACKOFF":   50 * time.Millisecond,
	"RECONCILE_APPROVAL_TTL":       15 * time.Minute,

	"REDIS_ADDR":       "",
	"REDIS_PASSWORD":   "",
	"REDIS_DB":         0,
	"REDIS_STATUS_TTL": 5 * time.Minute,
}

// Load reads the configuration from the environment, and from a .env file
// in the working directory when one exists.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	if _, err := os.Stat(".env"); err == nil {
		v.SetConfigFile(".env")
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading .env: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	cfg := &Config{
		App: AppConfig{
			Name:        v.GetString("APP_NAME"),
			Environment: v.GetString("APP_ENV"),
			Version:     v.GetString("APP_VERSION"),
		},
		Server: ServerConfig{
			Host:            v.GetString("SERVER_HOST"),
			Port:            v.GetInt("SERVER_PORT"),
			ReadTimeout:     v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("SERVER_WRITE_TIMEOUT"),
			IdleTimeout:     v.GetDuration("SERVER_IDLE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("SERVER_SHUTDOWN_TIMEOUT"),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(v.GetString("DB_DRIVER")),
			Host:            v.GetString("DB_HOST"),
			Port:            v.GetInt("DB_PORT"),
			Name:            v.GetString("DB_NAME"),
			User:            v.GetString("DB_USER"),
			Password:        v.GetString("DB_PASSWORD"),
			SSLMode:         v.GetString("DB_SSLMODE"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
			ConnMaxIdleTime: v.GetDuration("DB_CONN_MAX_IDLE_TIME"),
		},
		JWT: JWTConfig{
			Secret:         v.GetString("JWT_SECRET"),
			AccessTokenTTL: v.GetDuration("JWT_ACCESS_TTL"),
			Issuer:         v.GetString("JWT_ISSUER"),
		},
		Log: LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			Format:     v.GetString("LOG_FORMAT"),
			OutputPath: v.GetString("LOG_OUTPUT"),
		},
		Tracing: TracingConfig{
			Enabled:      v.GetBool("TRACING_ENABLED"),
			ServiceName:  v.GetString("TRACING_SERVICE_NAME"),
			OTLPEndpoint: v.GetString("OTLP_ENDPOINT"),
			SampleRate:   v.GetFloat64("TRACING_SAMPLE_RATE"),
		},
		Crypto: CryptoConfig{
			KeySource:         strings.ToLower(v.GetString("CRYPTO_KEY_SOURCE")),
			MasterKeyHex:      v.GetString("CRYPTO_MASTER_KEY"),
			SecretID:          v.GetString("CRYPTO_SECRET_ID"),
			AWSRegion:         v.GetString("AWS_REGION"),
			ComplianceVersion: v.GetString("CRYPTO_COMPLIANCE_VERSION"),
		},
		Reconcile: ReconcileConfig{
			CreationTolerance:       v.GetDuration("RECONCILE_CREATION_TOLERANCE"),
			WritesPerSecond:         v.GetFloat64("RECONCILE_WRITES_PER_SECOND"),
			ConflictMaxTries:        v.GetUint("RECONCILE_CONFLICT_RETRIES"),
			ConflictInitialInterval: v.GetDuration("RECONCILE_CONFLICT_BACKOFF"),
			ApprovalTTL:             v.GetDuration("RECONCILE_APPROVAL_TTL"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("REDIS_ADDR"),
			Password:  v.GetString("REDIS_PASSWORD"),
			DB:        v.GetInt("REDIS_DB"),
			StatusTTL: v.GetDuration("REDIS_STATUS_TTL"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

var ErrInvalidConfig = errors.New("configuration errors")

// validate enforces production security requirements.
func validate(cfg *Config) error {
	var errs []string

	if cfg.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWT.Secret) < 32 && cfg.App.Environment == "production" {
		errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
	}

	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.Password == "" && cfg.App.Environment != "development" {
			errs = append(errs, "DB_PASSWORD is required in non-development environments")
		}
		if cfg.Database.SSLMode == "disable" && cfg.App.Environment == "production" {
			errs = append(errs, "DB_SSLMODE=disable is not allowed in production")
		}
	case "memory":
		if cfg.App.Environment == "production" {
			errs = append(errs, "DB_DRIVER=memory is not allowed in production")
		}
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER %q is not supported", cfg.Database.Driver))
	}

	switch cfg.Crypto.KeySource {
	case "env":
		if cfg.Crypto.MasterKeyHex == "" {
			errs = append(errs, "CRYPTO_MASTER_KEY is required when CRYPTO_KEY_SOURCE=env")
		}
	case "aws":
		if cfg.Crypto.SecretID == "" {
			errs = append(errs, "CRYPTO_SECRET_ID is required when CRYPTO_KEY_SOURCE=aws")
		}
	default:
		errs = append(errs, fmt.Sprintf("CRYPTO_KEY_SOURCE %q is not supported", cfg.Crypto.KeySource))
	}

	if cfg.Reconcile.CreationTolerance < 0 {
		errs = append(errs, "RECONCILE_CREATION_TOLERANCE must not be negative")
	}
	if cfg.Reconcile.WritesPerSecond < 0 {
		errs = append(errs, "RECONCILE_WRITES_PER_SECOND must not be negative")
	}
	if cfg.Reconcile.ConflictMaxTries == 0 {
		errs = append(errs, "RECONCILE_CONFLICT_RETRIES must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}
