package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	App      AppConfig      `mapstructure:"app"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Security SecurityConfig `mapstructure:"security"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`     // debug, release, test
	BaseURL string `mapstructure:"base_url"` // public URL of this service, used for OAuth and gateway return URLs
}

// StorageConfig selects the ledger/credential backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // postgres, memory
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// AppConfig describes the e-commerce platform app registration.
type AppConfig struct {
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	Scopes        string        `mapstructure:"scopes"`
	APIVersion    string        `mapstructure:"api_version"`
	WebhookTopics []string      `mapstructure:"webhook_topics"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
}

// GatewayConfig holds the global hosted-page gateway credentials and endpoints.
// Per-shop settings take precedence over MerchantID/MerchantSecret.
type GatewayConfig struct {
	Env            string `mapstructure:"env"` // prod selects the production endpoint
	BaseURL        string `mapstructure:"base_url"`
	ProdURL        string `mapstructure:"prod_url"`
	DevURL         string `mapstructure:"dev_url"`
	MerchantID     string `mapstructure:"merchant_id"`
	MerchantSecret string `mapstructure:"merchant_secret"`
	HashEncoding   string `mapstructure:"hash_encoding"` // base64, hex
	ExpectedHost   string `mapstructure:"expected_host"`
	StrictHost     bool   `mapstructure:"strict_host"`
	NotifySecret   string `mapstructure:"notify_secret"`
	NotifyEncoding string `mapstructure:"notify_encoding"`
}

// SecurityConfig controls inbound verification and session signing.
type SecurityConfig struct {
	VerifyWebhooks   bool          `mapstructure:"verify_webhooks"`
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`
	WebhookEncoding  string        `mapstructure:"webhook_encoding"`
	SessionSecret    string        `mapstructure:"session_secret"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	EncryptionKey    string        `mapstructure:"encryption_key"` // 32-byte hex-encoded key for AES-256
}

type OAuthConfig struct {
	StateTTL   time.Duration `mapstructure:"state_ttl"`
	StateStore string        `mapstructure:"state_store"` // redis, memory
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: HPB_ (Hosted Payment Bridge).
// Nested keys use underscore: HPB_DATABASE_HOST, HPB_GATEWAY_MERCHANT_SECRET, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "payment_bridge")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("app.client_id", "")
	v.SetDefault("app.client_secret", "")
	v.SetDefault("app.scopes", "read_order,write_payment_info")
	v.SetDefault("app.api_version", "2022-01")
	v.SetDefault("app.webhook_topics", []string{"app/uninstalled", "orders/paid"})
	v.SetDefault("app.http_timeout", "10s")
	v.SetDefault("gateway.env", "dev")
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.prod_url", "https://secure.rocketgate.com/hostedpage/servlet/HostedPagePurchase")
	v.SetDefault("gateway.dev_url", "https://dev-secure.rocketgate.com/hostedpage/servlet/HostedPagePurchase")
	v.SetDefault("gateway.hash_encoding", "base64")
	v.SetDefault("gateway.expected_host", "")
	v.SetDefault("gateway.strict_host", false)
	v.SetDefault("gateway.notify_encoding", "hex")
	v.SetDefault("security.verify_webhooks", true)
	v.SetDefault("security.webhook_tolerance", "5m")
	v.SetDefault("security.webhook_encoding", "base64")
	v.SetDefault("security.session_secret", "")
	v.SetDefault("security.session_ttl", "20m")
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("oauth.state_ttl", "10m")
	v.SetDefault("oauth.state_store", "redis")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: HPB_DATABASE_HOST -> database.host
	v.SetEnvPrefix("HPB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// GatewayBaseURL resolves the hosted-page endpoint: explicit override first,
// then the environment tier.
func (g GatewayConfig) GatewayBaseURL() string {
	if strings.TrimSpace(g.BaseURL) != "" {
		return g.BaseURL
	}
	if strings.EqualFold(g.Env, "prod") || strings.EqualFold(g.Env, "production") {
		return g.ProdURL
	}
	return g.DevURL
}
