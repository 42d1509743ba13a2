// Package config loads service configuration from the environment, optionally seeded from a
// .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Claim token store backends.
const (
	TokenStoreMemory = "memory"
	TokenStoreRedis  = "redis"
)

// Config is the typed service configuration.
type Config struct {
	Env           string
	Port          string
	RunLocal      bool
	PublicBaseURL string

	OrdersTable      string
	IdempotencyTable string
	IdempotencyTTL   time.Duration
	EventsQueueURL   string

	XunhupayAppID    string
	XunhupaySecret   string
	XunhupayEndpoint string
	XunhupayWapName  string

	EpayPID      string
	EpayKey      string
	EpayEndpoint string
	EpayPayType  string

	GatewayTimeout time.Duration

	TokenStore     string
	RedisURL       string
	TokenTTL       time.Duration
	TokenRetention time.Duration

	JWTSecret string

	// RateLimit is requests per second per client IP on checkout and token routes; 0 disables.
	RateLimit float64
	RateBurst int

	CloudWatchEnabled   bool
	CloudWatchNamespace string

	AllowTestPayment bool
}

// Load reads a .env file if present (existing variables win) and then the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment.
func FromEnv() (*Config, error) {
	r := reader{}
	cfg := &Config{
		Env:           getenv("APP_ENV", "development"),
		Port:          getenv("PORT", "8080"),
		RunLocal:      r.boolean("RUN_LOCAL", false),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),

		OrdersTable:      getenv("ORDERS_TABLE", "orders"),
		IdempotencyTable: getenv("IDEMPOTENCY_TABLE", "idempotency"),
		IdempotencyTTL:   r.duration("IDEMPOTENCY_TTL", 48*time.Hour),
		EventsQueueURL:   os.Getenv("PAYMENT_EVENTS_QUEUE_URL"),

		XunhupayAppID:    os.Getenv("XUNHUPAY_APPID"),
		XunhupaySecret:   os.Getenv("XUNHUPAY_SECRET"),
		XunhupayEndpoint: os.Getenv("XUNHUPAY_ENDPOINT"),
		XunhupayWapName:  getenv("XUNHUPAY_WAP_NAME", "AI会员充值"),

		EpayPID:      os.Getenv("EPAY_PID"),
		EpayKey:      os.Getenv("EPAY_KEY"),
		EpayEndpoint: os.Getenv("EPAY_ENDPOINT"),
		EpayPayType:  getenv("EPAY_PAY_TYPE", "alipay"),

		GatewayTimeout: r.duration("GATEWAY_TIMEOUT", 10*time.Second),

		TokenStore:     strings.ToLower(getenv("CLAIM_TOKEN_STORE", TokenStoreMemory)),
		RedisURL:       os.Getenv("REDIS_URL"),
		TokenTTL:       r.duration("CLAIM_TOKEN_TTL", 24*time.Hour),
		TokenRetention: r.duration("CLAIM_TOKEN_RETENTION", 24*time.Hour),

		JWTSecret: os.Getenv("AUTH_JWT_SECRET"),

		RateLimit: r.float("RATE_LIMIT_RPS", 5),
		RateBurst: r.integer("RATE_LIMIT_BURST", 10),

		CloudWatchEnabled:   r.boolean("CLOUDWATCH_ENABLED", false),
		CloudWatchNamespace: getenv("CLOUDWATCH_NAMESPACE", "Payflow"),

		AllowTestPayment: r.boolean("ALLOW_TEST_PAYMENT", false),
	}
	if r.err != nil {
		return nil, r.err
	}

	switch cfg.TokenStore {
	case TokenStoreMemory:
	case TokenStoreRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("CLAIM_TOKEN_STORE=redis requires REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("CLAIM_TOKEN_STORE: unknown store %q", cfg.TokenStore)
	}
	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("CLAIM_TOKEN_TTL must be positive")
	}
	return cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// reader keeps the first parse error so FromEnv can read every variable in one pass.
type reader struct {
	err error
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return d
}

func (r *reader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return f
}

func (r *reader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return b
}
