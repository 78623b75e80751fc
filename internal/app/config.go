package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (ORDERS_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (ORDERS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for admin API key hashing" flag:"api-key-pepper"`
	TaxRate      string `default:"0.08" usage:"Flat tax rate applied to the cart subtotal" flag:"tax-rate"`

	Reservations ReservationConfig
	Gateways     GatewayConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// ReservationConfig controls the stock hold ledger.
type ReservationConfig struct {
	TTL           time.Duration `default:"15m" usage:"Reservation hold lifetime" flag:"reservation-ttl"`
	SweepInterval time.Duration `default:"30s" usage:"Expired-hold sweep interval" flag:"sweep-interval"`
}

// GatewayConfig holds per-provider endpoints and webhook secrets.
type GatewayConfig struct {
	Card   CardGatewayConfig
	Wallet WalletGatewayConfig
	Bank   BankGatewayConfig
}

type CardGatewayConfig struct {
	BaseURL       string        `usage:"Card processor API base URL" flag:"card-url"`
	APIKey        string        `usage:"Card processor API key" flag:"card-api-key"`
	WebhookSecret string        `usage:"Card processor webhook signing secret" flag:"card-webhook-secret"`
	Timeout       time.Duration `default:"10s" usage:"Card processor request timeout" flag:"card-timeout"`
}

type WalletGatewayConfig struct {
	BaseURL       string `usage:"Wallet provider API base URL" flag:"wallet-url"`
	RedirectBase  string `usage:"Base URL for wallet approval redirects" flag:"wallet-redirect-base"`
	WebhookSecret string `usage:"Wallet provider webhook signing secret" flag:"wallet-webhook-secret"`
}

type BankGatewayConfig struct {
	WebhookSecret string `usage:"Bank statement feed signing secret" flag:"bank-webhook-secret"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ORDERS",
		Files:     []string{"config.yaml", "/etc/orderflow/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set ORDERS_DATABASE_URL or DATABASE_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables
// (Railway, Render, etc.) that use standard names like DATABASE_URL and
// PORT to the application's ORDERS_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
