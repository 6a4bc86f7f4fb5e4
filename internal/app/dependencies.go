package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-orders/internal/cart"
	"github.com/noah-isme/toko-orders/internal/catalog"
	"github.com/noah-isme/toko-orders/internal/checkout"
	"github.com/noah-isme/toko-orders/internal/config"
	"github.com/noah-isme/toko-orders/internal/currency"
	"github.com/noah-isme/toko-orders/internal/events"
	"github.com/noah-isme/toko-orders/internal/health"
	"github.com/noah-isme/toko-orders/internal/lock"
	"github.com/noah-isme/toko-orders/internal/notify"
	"github.com/noah-isme/toko-orders/internal/obs"
	"github.com/noah-isme/toko-orders/internal/order"
	"github.com/noah-isme/toko-orders/internal/payment"
	"github.com/noah-isme/toko-orders/internal/resilience"
	"github.com/noah-isme/toko-orders/internal/sequence"
	"github.com/noah-isme/toko-orders/internal/store"
	"github.com/noah-isme/toko-orders/internal/voucher"
)

// Collection kinds stored in the documents table.
const (
	KindProducts      = "products"
	KindCurrencies    = "currencies"
	KindExchangeRates = "exchange_rates"
	KindBundles       = "bundles"
	KindVouchers      = "vouchers"
	KindVoucherUsages = "voucher_usages"
	KindOrders        = "orders"
	KindEvents        = "events"
)

// Dependencies holds the infrastructure clients shared by the binaries.
type Dependencies struct {
	Config *config.Config
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Tasks  *asynq.Client
	Logger zerolog.Logger
}

// Connect opens the database pool, the Redis client and the task client.
func Connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger, appName string) (*Dependencies, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.Obs.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	taskOpt, err := TaskRedisOpt(cfg)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, err
	}

	return &Dependencies{
		Config: cfg,
		DB:     pool,
		Redis:  redisClient,
		Tasks:  asynq.NewClient(taskOpt),
		Logger: logger,
	}, nil
}

// TaskRedisOpt converts the Redis URL into asynq connection options.
func TaskRedisOpt(cfg *config.Config) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse task redis url: %w", err)
	}
	return opt, nil
}

// Close releases every client.
func (d *Dependencies) Close() {
	if d.Tasks != nil {
		if err := d.Tasks.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// Probes returns the readiness checks for the database and Redis.
func (d *Dependencies) Probes(dbTimeout, redisTimeout time.Duration) []health.Probe {
	return []health.Probe{
		{Name: "db", Timeout: dbTimeout, Check: d.DB.Ping},
		{Name: "redis", Timeout: redisTimeout, Check: func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}},
	}
}

// Collections groups the document collections used by the services.
type Collections struct {
	Products      store.Collection[catalog.Product]
	Currencies    store.Collection[currency.Currency]
	ExchangeRates store.Collection[currency.ExchangeRate]
	Bundles       store.Collection[cart.Bundle]
	Vouchers      store.Collection[voucher.Voucher]
	VoucherUsages store.Collection[voucher.Usage]
	Orders        store.Collection[order.Order]
	Events        store.Collection[events.Event]
}

// PostgresCollections scopes one collection per kind on db.
func PostgresCollections(db store.DB) Collections {
	return Collections{
		Products:      store.NewPostgres[catalog.Product](db, KindProducts),
		Currencies:    store.NewPostgres[currency.Currency](db, KindCurrencies),
		ExchangeRates: store.NewPostgres[currency.ExchangeRate](db, KindExchangeRates),
		Bundles:       store.NewPostgres[cart.Bundle](db, KindBundles),
		Vouchers:      store.NewPostgres[voucher.Voucher](db, KindVouchers),
		VoucherUsages: store.NewPostgres[voucher.Usage](db, KindVoucherUsages),
		Orders:        store.NewPostgres[order.Order](db, KindOrders),
		Events:        store.NewPostgres[events.Event](db, KindEvents),
	}
}

// MemoryCollections returns process local collections.
func MemoryCollections() Collections {
	return Collections{
		Products:      store.NewMemory[catalog.Product](),
		Currencies:    store.NewMemory[currency.Currency](),
		ExchangeRates: store.NewMemory[currency.ExchangeRate](),
		Bundles:       store.NewMemory[cart.Bundle](),
		Vouchers:      store.NewMemory[voucher.Voucher](),
		VoucherUsages: store.NewMemory[voucher.Usage](),
		Orders:        store.NewMemory[order.Order](),
		Events:        store.NewMemory[events.Event](),
	}
}

// Services is the wired domain layer.
type Services struct {
	Currencies *currency.Registry
	Catalog    *catalog.Service
	Engine     *cart.Engine
	Bundles    *cart.Service
	Vouchers   *voucher.Service
	Gateways   *payment.Registry
	Checkout   *checkout.Service
	Events     *events.Bus
}

// Options carries the infrastructure the services run on. A nil Redis
// client falls back to process local locks, sequences and caches.
type Options struct {
	Config      *config.Config
	Collections Collections
	Redis       *redis.Client
	Notifiers   []events.Notifier
	Gateways    []payment.Gateway
	Logger      *zerolog.Logger
}

// Build wires every domain service.
func Build(opts Options) (*Services, error) {
	cfg := opts.Config
	cols := opts.Collections

	var (
		locker lock.Locker        = &lock.Local{}
		seq    sequence.Sequencer = &sequence.Memory{}
		cache  *catalog.Cache
	)
	if opts.Redis != nil {
		locker = lock.Redis{R: opts.Redis, Prefix: "lock:", RetryBackoff: 25 * time.Millisecond}
		seq = sequence.Redis{R: opts.Redis, Prefix: "seq:"}
		cache = catalog.NewCache(opts.Redis, cfg.CatalogCacheTTL, "catalog:")
	}

	registry := currency.NewRegistry(currency.DocumentStore{CurrencyDocs: cols.Currencies, RateDocs: cols.ExchangeRates})
	converter := currency.NewConverter(registry)

	catalogSvc, err := catalog.NewService(catalog.ServiceConfig{
		Products:  cols.Products,
		Converter: converter,
		Cache:     cache,
	})
	if err != nil {
		return nil, err
	}

	bus := &events.Bus{
		Store:     events.DocumentStore{Docs: cols.Events},
		Notifiers: opts.Notifiers,
	}

	engine := &cart.Engine{Merchant: catalogSvc, Policy: cfg.PricingPolicy()}
	bundles := &cart.Service{
		Bundles: cols.Bundles,
		Engine:  engine,
		Locker:  locker,
		LockTTL: cfg.LockTTL,
		Events:  bus,
		Logger:  opts.Logger,
	}
	vouchers := &voucher.Service{
		Vouchers:  cols.Vouchers,
		Usages:    cols.VoucherUsages,
		Converter: converter,
		Locker:    locker,
		LockTTL:   cfg.LockTTL,
		Events:    bus,
		Logger:    opts.Logger,
	}
	gateways := payment.NewRegistry(opts.Gateways...)
	instruments, err := obs.NewGatewayInstruments(obs.Meter("checkout"))
	if err != nil {
		return nil, err
	}
	checkoutSvc := &checkout.Service{
		Orders:          cols.Orders,
		Bundles:         bundles,
		Engine:          engine,
		Vouchers:        vouchers,
		Gateways:        gateways,
		Inventory:       catalogSvc,
		Sequence:        seq,
		Currencies:      registry,
		ReferencePrefix: cfg.ReferencePrefix,
		Locker:          locker,
		LockTTL:         cfg.LockTTL,
		Events:          bus,
		Instruments:     instruments,
		Logger:          opts.Logger,
	}

	return &Services{
		Currencies: registry,
		Catalog:    catalogSvc,
		Engine:     engine,
		Bundles:    bundles,
		Vouchers:   vouchers,
		Gateways:   gateways,
		Checkout:   checkoutSvc,
		Events:     bus,
	}, nil
}

// Gateways builds the payment gateways that have credentials configured.
func Gateways(cfg *config.Config) []payment.Gateway {
	g := cfg.Gateways
	client := func(target string) resilience.HTTPClient {
		return resilience.NewHTTPClient(target, g.Timeout, g.MaxAttempts)
	}
	var out []payment.Gateway
	if g.StripeSecretKey != "" {
		out = append(out, &payment.Stripe{
			SecretKey:     g.StripeSecretKey,
			WebhookSecret: g.StripeWebhookSecret,
			BaseURL:       g.StripeBaseURL,
			HTTP:          client("stripe"),
		})
	}
	if g.EasyPayAPIKey != "" {
		out = append(out, &payment.EasyPay{
			AccountID:     g.EasyPayAccountID,
			APIKey:        g.EasyPayAPIKey,
			WebhookSecret: g.EasyPayWebhookSecret,
			BaseURL:       g.EasyPayBaseURL,
			HTTP:          client("easypay"),
		})
	}
	if g.PayPalClientID != "" {
		pc := client("paypal")
		pc.IdempotencyHeaders = []string{payment.PayPalRequestIDHeader}
		out = append(out, &payment.PayPal{
			ClientID: g.PayPalClientID,
			Secret:   g.PayPalSecret,
			BaseURL:  g.PayPalBaseURL,
			HTTP:     pc,
		})
	}
	return out
}

// EventNotifier enqueues emitted events for the notification worker.
func EventNotifier(cfg *config.Config, client notify.Enqueuer) notify.Notifier {
	return notify.Notifier{
		Client:   client,
		Queue:    cfg.Notify.Queue,
		MaxRetry: cfg.Notify.MaxRetry,
		Topics:   cfg.NotifyTopics(),
	}
}
