package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/catalog"
	"github.com/spf13/viper"
)

// Configuration keys shared by flags, environment variables and config files.
const (
	KeyDatabaseURL          = "database_url"
	KeyStorageDriver        = "storage_driver"
	KeyHTTPListenAddr       = "http_listen_addr"
	KeyGRPCListenAddr       = "grpc_listen_addr"
	KeyLogMode              = "log_mode"
	KeyAllowedOrigins       = "allowed_origins"
	KeyUserSigningKey       = "user_signing_key"
	KeyAdminSigningKey      = "admin_signing_key"
	KeyServiceSigningKey    = "service_signing_key"
	KeyTokenIssuer          = "token_issuer"
	KeyRedisURL             = "redis_url"
	KeyNotificationQueueKey = "notification_queue_key"
	KeyPaymentProvider      = "payment_provider"
	KeyPaymentBaseURL       = "payment_base_url"
	KeyPaymentAPIKey        = "payment_api_key"
	KeyPaymentTimeout       = "payment_timeout"
	KeyShutdownTimeout      = "shutdown_timeout"
	KeyPackages             = "packages"

	// EnvPrefix namespaces environment variables (TOKENLEDGER_DATABASE_URL, ...).
	EnvPrefix = "TOKENLEDGER"

	StorageDriverGORM = "gorm"
	StorageDriverPGX  = "pgx"

	PaymentProviderDemo = "demo"
	PaymentProviderHTTP = "http"

	defaultDatabaseURL     = "sqlite:///tmp/tokenledger.db"
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = "127.0.0.1:7000"
	defaultLogMode         = "production"
	defaultAllowedOrigin   = "http://localhost:3000"
	defaultTokenIssuer     = "tokenledger"
	defaultPaymentTimeout  = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// ErrInvalidConfig reports a configuration that cannot start the server.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for the ledger server.
type Config struct {
	DatabaseURL          string
	StorageDriver        string
	HTTPListenAddr       string
	GRPCListenAddr       string
	LogMode              string
	AllowedOrigins       []string
	UserSigningKey       string
	AdminSigningKey      string
	ServiceSigningKey    string
	TokenIssuer          string
	RedisURL             string
	NotificationQueueKey string
	PaymentProvider      string
	PaymentBaseURL       string
	PaymentAPIKey        string
	PaymentTimeout       time.Duration
	ShutdownTimeout      time.Duration
	Packages             []catalog.PackageConfig
}

// NewViper returns a viper instance reading TOKENLEDGER_* environment variables.
func NewViper() *viper.Viper {
	instance := viper.New()
	instance.SetEnvPrefix(EnvPrefix)
	instance.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	instance.AutomaticEnv()
	return instance
}

// Load reads a Config from source and validates it.
func Load(source *viper.Viper) (Config, error) {
	cfg := Config{
		DatabaseURL:          source.GetString(KeyDatabaseURL),
		StorageDriver:        source.GetString(KeyStorageDriver),
		HTTPListenAddr:       source.GetString(KeyHTTPListenAddr),
		GRPCListenAddr:       source.GetString(KeyGRPCListenAddr),
		LogMode:              source.GetString(KeyLogMode),
		AllowedOrigins:       ParseAllowedOrigins(strings.Join(source.GetStringSlice(KeyAllowedOrigins), ",")),
		UserSigningKey:       source.GetString(KeyUserSigningKey),
		AdminSigningKey:      source.GetString(KeyAdminSigningKey),
		ServiceSigningKey:    source.GetString(KeyServiceSigningKey),
		TokenIssuer:          source.GetString(KeyTokenIssuer),
		RedisURL:             source.GetString(KeyRedisURL),
		NotificationQueueKey: source.GetString(KeyNotificationQueueKey),
		PaymentProvider:      source.GetString(KeyPaymentProvider),
		PaymentBaseURL:       source.GetString(KeyPaymentBaseURL),
		PaymentAPIKey:        source.GetString(KeyPaymentAPIKey),
		PaymentTimeout:       source.GetDuration(KeyPaymentTimeout),
		ShutdownTimeout:      source.GetDuration(KeyShutdownTimeout),
	}
	if source.IsSet(KeyPackages) {
		if err := source.UnmarshalKey(KeyPackages, &cfg.Packages); err != nil {
			return Config{}, fmt.Errorf("%w: packages: %v", ErrInvalidConfig, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadStorage reads only the settings the storage commands need.
func LoadStorage(source *viper.Viper) (Config, error) {
	cfg := Config{
		DatabaseURL:   source.GetString(KeyDatabaseURL),
		StorageDriver: source.GetString(KeyStorageDriver),
		LogMode:       source.GetString(KeyLogMode),
	}
	cfg.applyDefaults()
	if err := cfg.validateStorage(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.applyDefaults()
	if err := cfg.validateStorage(); err != nil {
		return err
	}
	switch cfg.PaymentProvider {
	case PaymentProviderDemo:
	case PaymentProviderHTTP:
		if strings.TrimSpace(cfg.PaymentBaseURL) == "" {
			return fmt.Errorf("%w: payment base url is required for the http provider", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported payment provider %q", ErrInvalidConfig, cfg.PaymentProvider)
	}
	if strings.TrimSpace(cfg.UserSigningKey) == "" {
		return fmt.Errorf("%w: user signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.AdminSigningKey) == "" {
		return fmt.Errorf("%w: admin signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ServiceSigningKey) == "" {
		return fmt.Errorf("%w: service signing key is required", ErrInvalidConfig)
	}
	if cfg.AdminSigningKey == cfg.UserSigningKey {
		return fmt.Errorf("%w: admin and user signing keys must differ", ErrInvalidConfig)
	}
	if cfg.ServiceSigningKey == cfg.UserSigningKey || cfg.ServiceSigningKey == cfg.AdminSigningKey {
		return fmt.Errorf("%w: service signing key must differ from the user and admin keys", ErrInvalidConfig)
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StorageDriver = strings.ToLower(defaultIfEmpty(cfg.StorageDriver, StorageDriverGORM))
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.LogMode = defaultIfEmpty(cfg.LogMode, defaultLogMode)
	cfg.TokenIssuer = defaultIfEmpty(cfg.TokenIssuer, defaultTokenIssuer)
	cfg.PaymentProvider = strings.ToLower(defaultIfEmpty(cfg.PaymentProvider, PaymentProviderDemo))
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = defaultPaymentTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if len(cfg.Packages) == 0 {
		cfg.Packages = catalog.DefaultPackages()
	}
}

func (cfg *Config) validateStorage() error {
	switch cfg.StorageDriver {
	case StorageDriverGORM:
		return nil
	case StorageDriverPGX:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("%w: the pgx driver requires a postgres database url", ErrInvalidConfig)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported storage driver %q", ErrInvalidConfig, cfg.StorageDriver)
	}
}

// IsPostgresURL reports whether dsn addresses PostgreSQL.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
