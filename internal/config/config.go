package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue driver selection.
const (
	QueueDriverMemory   = "memory"
	QueueDriverPostgres = "postgres"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	FabricCCPPath    string `mapstructure:"FABRIC_CCP_PATH"`
	FabricWalletPath string `mapstructure:"FABRIC_WALLET_PATH"`
	FabricChannel    string `mapstructure:"FABRIC_CHANNEL"`
	FabricChaincode  string `mapstructure:"FABRIC_CHAINCODE"`

	QueueDriver        string `mapstructure:"QUEUE_DRIVER"`
	QueueWorkers       int    `mapstructure:"QUEUE_WORKERS"`
	QueueMaxAttempts   int    `mapstructure:"QUEUE_MAX_ATTEMPTS"`
	QueueBackoffBaseMS int    `mapstructure:"QUEUE_BACKOFF_BASE_MS"`

	ResolverReadFunction  string `mapstructure:"RESOLVER_READ_FUNCTION"`
	ResolverWriteFunction string `mapstructure:"RESOLVER_WRITE_FUNCTION"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("FABRIC_CHANNEL", "mychannel")
	v.SetDefault("FABRIC_CHAINCODE", "medrecords")
	v.SetDefault("QUEUE_DRIVER", QueueDriverMemory)
	v.SetDefault("QUEUE_WORKERS", 4)
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 3)
	v.SetDefault("QUEUE_BACKOFF_BASE_MS", 2000)
	v.SetDefault("RESOLVER_READ_FUNCTION", "ReadRecord")
	v.SetDefault("RESOLVER_WRITE_FUNCTION", "PutRecord")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("FABRIC_CCP_PATH")
	v.BindEnv("FABRIC_WALLET_PATH")
	v.BindEnv("FABRIC_CHANNEL")
	v.BindEnv("FABRIC_CHAINCODE")
	v.BindEnv("QUEUE_DRIVER")
	v.BindEnv("QUEUE_WORKERS")
	v.BindEnv("QUEUE_MAX_ATTEMPTS")
	v.BindEnv("QUEUE_BACKOFF_BASE_MS")
	v.BindEnv("RESOLVER_READ_FUNCTION")
	v.BindEnv("RESOLVER_WRITE_FUNCTION")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — the X-Identity header picks")
		log.Println("WARNING: the wallet identity and no tokens are verified.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// QueueBackoffBase returns the base retry delay as a duration.
func (c *Config) QueueBackoffBase() time.Duration {
	return time.Duration(c.QueueBackoffBaseMS) * time.Millisecond
}

// Validate checks that the configuration is safe to run. Outside development
// mode AUTH_SIGNING_KEY must be set so that real JWT authentication is
// enforced, and the Fabric connection material must be configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q. "+
			"Refusing to start without authentication configuration", c.Env)
	}

	if c.FabricCCPPath == "" {
		return fmt.Errorf("FABRIC_CCP_PATH is required")
	}
	if c.FabricWalletPath == "" {
		return fmt.Errorf("FABRIC_WALLET_PATH is required")
	}

	switch c.QueueDriver {
	case QueueDriverMemory:
	case QueueDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when QUEUE_DRIVER is %q", QueueDriverPostgres)
		}
	default:
		return fmt.Errorf("QUEUE_DRIVER must be %q or %q, got %q",
			QueueDriverMemory, QueueDriverPostgres, c.QueueDriver)
	}

	if c.QueueWorkers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.QueueWorkers)
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.QueueMaxAttempts)
	}

	return nil
}
