package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-orders/internal/pricing"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	AdminToken         string
	MaxBodyBytes       int64

	ReferencePrefix     string
	LockTTL             time.Duration
	IdempotencyTTL      time.Duration
	WebhookReplayTTL    time.Duration
	CatalogCacheTTL     time.Duration
	VoucherRemindWindow time.Duration
	PayRateLimit        string
	WebhookRateLimit    string

	Pricing  PricingConfig
	Gateways GatewayConfig
	Notify   NotifyConfig
	Obs      ObsConfig
}

// PricingConfig describes the dynamic parts of the pricing policy.
type PricingConfig struct {
	DiscountMode       pricing.Mode
	TaxMode            pricing.Mode
	ShippingMode       pricing.Mode
	TaxRate            decimal.Decimal
	DiscountPercent    decimal.Decimal
	ShippingFlat       decimal.Decimal
	ShippingFreeAbove  decimal.Decimal
	DiscountDiscounted bool
}

// GatewayConfig holds credentials and endpoints of the payment gateways.
// A gateway without credentials is not registered.
type GatewayConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	Strict      bool

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeBaseURL       string

	EasyPayAccountID     string
	EasyPayAPIKey        string
	EasyPayWebhookSecret string
	EasyPayBaseURL       string

	PayPalClientID string
	PayPalSecret   string
	PayPalBaseURL  string
}

// NotifyConfig configures event notifications and the worker.
type NotifyConfig struct {
	Queue           string
	MaxRetry        int
	Concurrency     int
	Topics          []string
	WebhookURLs     []string
	WebhookSecret   string
	WebhookTimeout  time.Duration
	EmailEnabled    bool
	EmailTopics     map[string]bool
	SentTTL         time.Duration
	RemindEnabled   bool
	RemindCronSpec  string
	ShutdownTimeout time.Duration
}

// ObsConfig configures logging, metrics and tracing.
type ObsConfig struct {
	LogFormat          string
	LogLevel           string
	MetricsEnabled     bool
	MetricsNamespace   string
	MetricsBuckets     string
	TracingEnabled     bool
	TracingExporter    string
	OTLPEndpoint       string
	SamplingRatio      float64
	PprofEnabled       bool
	PprofUser          string
	PprofPass          string
	HealthDBTimeout    time.Duration
	HealthRedisTimeout time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var invalid []error
	dec := func(key string) decimal.Decimal {
		d, err := parseDecimal(k.String(key))
		if err != nil {
			invalid = append(invalid, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		AdminToken:         strings.TrimSpace(k.String("ADMIN_TOKEN")),
		MaxBodyBytes:       int64(parseInt(k.String("HTTP_MAX_BODY_BYTES"), 1<<20)),

		ReferencePrefix:     valueOrDefault(k.String("ORDER_REFERENCE_PREFIX"), "ORD"),
		LockTTL:             parseDuration(k.String("LOCK_TTL"), "10s"),
		IdempotencyTTL:      parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		WebhookReplayTTL:    parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "48h"),
		CatalogCacheTTL:     parseDuration(k.String("CATALOG_CACHE_TTL"), "60s"),
		VoucherRemindWindow: parseDuration(k.String("VOUCHER_REMIND_WINDOW"), "72h"),
		PayRateLimit:        valueOrDefault(k.String("PAY_RATE_LIMIT"), "10-M"),
		WebhookRateLimit:    valueOrDefault(k.String("WEBHOOK_RATE_LIMIT"), "600-M"),

		Pricing: PricingConfig{
			DiscountMode:       pricing.ParseMode(k.String("PRICING_DISCOUNT_MODE")),
			TaxMode:            pricing.ParseMode(k.String("PRICING_TAX_MODE")),
			ShippingMode:       pricing.ParseMode(k.String("PRICING_SHIPPING_MODE")),
			TaxRate:            dec("PRICING_TAX_RATE"),
			DiscountPercent:    dec("PRICING_DISCOUNT_PERCENT"),
			ShippingFlat:       dec("PRICING_SHIPPING_FLAT"),
			ShippingFreeAbove:  dec("PRICING_SHIPPING_FREE_ABOVE"),
			DiscountDiscounted: parseBool(k.String("PRICING_DISCOUNT_DISCOUNTED")),
		},

		Gateways: GatewayConfig{
			Timeout:     parseDuration(k.String("GATEWAY_TIMEOUT"), "10s"),
			MaxAttempts: parseInt(k.String("GATEWAY_MAX_ATTEMPTS"), 3),
			Strict:      parseBoolDefault(k.String("GATEWAY_STRICT"), true),

			StripeSecretKey:     k.String("STRIPE_SECRET_KEY"),
			StripeWebhookSecret: k.String("STRIPE_WEBHOOK_SECRET"),
			StripeBaseURL:       valueOrDefault(k.String("STRIPE_BASE_URL"), "https://api.stripe.com"),

			EasyPayAccountID:     k.String("EASYPAY_ACCOUNT_ID"),
			EasyPayAPIKey:        k.String("EASYPAY_API_KEY"),
			EasyPayWebhookSecret: k.String("EASYPAY_WEBHOOK_SECRET"),
			EasyPayBaseURL:       valueOrDefault(k.String("EASYPAY_BASE_URL"), "https://api.prod.easypay.pt/2.0"),

			PayPalClientID: k.String("PAYPAL_CLIENT_ID"),
			PayPalSecret:   k.String("PAYPAL_SECRET"),
			PayPalBaseURL:  valueOrDefault(k.String("PAYPAL_BASE_URL"), "https://api-m.paypal.com"),
		},

		Notify: NotifyConfig{
			Queue:           valueOrDefault(k.String("NOTIFY_QUEUE"), "notifications"),
			MaxRetry:        parseInt(k.String("NOTIFY_MAX_RETRY"), 6),
			Concurrency:     parseInt(k.String("NOTIFY_WORKER_CONCURRENCY"), 10),
			Topics:          splitAndTrim(k.String("NOTIFY_TOPICS")),
			WebhookURLs:     splitAndTrim(k.String("NOTIFY_WEBHOOK_URLS")),
			WebhookSecret:   k.String("NOTIFY_WEBHOOK_SECRET"),
			WebhookTimeout:  parseDuration(k.String("NOTIFY_WEBHOOK_TIMEOUT"), "5s"),
			EmailEnabled:    parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
			EmailTopics:     parseToggles(k.String("NOTIFY_EMAIL_TOPICS")),
			SentTTL:         parseDuration(k.String("NOTIFY_SENT_TTL"), "168h"),
			RemindEnabled:   parseBoolDefault(k.String("VOUCHER_REMIND_ENABLED"), true),
			RemindCronSpec:  valueOrDefault(k.String("VOUCHER_REMIND_CRON"), "@every 1h"),
			ShutdownTimeout: parseDuration(k.String("WORKER_SHUTDOWN_TIMEOUT"), "30s"),
		},

		Obs: ObsConfig{
			LogFormat:          valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:           valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsEnabled:     parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
			MetricsNamespace:   valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "toko"),
			MetricsBuckets:     k.String("OBS_METRICS_BUCKETS_MS"),
			TracingEnabled:     parseBoolDefault(k.String("OBS_ENABLE_TRACING"), true),
			TracingExporter:    valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			OTLPEndpoint:       k.String("OBS_OTLP_ENDPOINT"),
			SamplingRatio:      parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
			PprofEnabled:       parseBoolDefault(k.String("OBS_ENABLE_PPROF"), true),
			PprofUser:          k.String("SECURE_PPROF_BASIC_AUTH_USER"),
			PprofPass:          k.String("SECURE_PPROF_BASIC_AUTH_PASS"),
			HealthDBTimeout:    time.Duration(parseInt(k.String("HEALTH_READY_DB_TIMEOUT_MS"), 500)) * time.Millisecond,
			HealthRedisTimeout: time.Duration(parseInt(k.String("HEALTH_READY_REDIS_TIMEOUT_MS"), 300)) * time.Millisecond,
		},
	}

	if err := errors.Join(invalid...); err != nil {
		return nil, err
	}
	if p := cfg.Pricing.DiscountPercent; p.IsNegative() || p.GreaterThan(decimal.NewFromInt(100)) {
		return nil, errors.New("PRICING_DISCOUNT_PERCENT must be between 0 and 100")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.AppEnv == "production" && cfg.AdminToken == "" {
		return nil, errors.New("ADMIN_TOKEN is required in production")
	}
	if cfg.LockTTL <= 0 {
		return nil, errors.New("LOCK_TTL must be positive")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// PricingPolicy builds the evaluation policy applied to every aggregate.
// Taxes are a percentage of the subtotal; shipping is a flat fee waived above a threshold.
func (c *Config) PricingPolicy() pricing.Policy {
	p := c.Pricing
	policy := pricing.Policy{
		DiscountMode:       p.DiscountMode,
		TaxMode:            p.TaxMode,
		ShippingMode:       p.ShippingMode,
		DiscountDiscounted: p.DiscountDiscounted,
	}
	if p.DiscountPercent.IsPositive() {
		policy.Discount = pricing.PercentOf(p.DiscountPercent)
	}
	if p.TaxRate.IsPositive() {
		rate := p.TaxRate.Div(decimal.NewFromInt(100))
		policy.Taxes = func(in pricing.Inputs) pricing.Money {
			return in.SubTotal.Mul(rate)
		}
	}
	if p.ShippingFlat.IsPositive() {
		policy.Shipping = pricing.FreeAbove(p.ShippingFreeAbove, p.ShippingFlat)
	}
	return policy
}

// NotifyTopics returns the configured topic allowlist, nil meaning every topic.
func (c *Config) NotifyTopics() map[string]bool {
	if len(c.Notify.Topics) == 0 {
		return nil
	}
	out := make(map[string]bool, len(c.Notify.Topics))
	for _, t := range c.Notify.Topics {
		out[t] = true
	}
	return out
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseToggles reads "topic=true,topic=false" pairs.
func parseToggles(value string) map[string]bool {
	out := map[string]bool{}
	for _, part := range splitAndTrim(value) {
		key, raw, found := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = !found || parseBool(raw)
	}
	return out
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return parsed
	}
	return fallback
}

func parseFloat(value string, fallback float64) float64 {
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
		return parsed
	}
	return fallback
}

func parseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q", value)
	}
	return d, nil
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
