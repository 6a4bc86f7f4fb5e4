package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/toko-orders/internal/app"
	"github.com/noah-isme/toko-orders/internal/cart"
	"github.com/noah-isme/toko-orders/internal/catalog"
	"github.com/noah-isme/toko-orders/internal/checkout"
	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/config"
	"github.com/noah-isme/toko-orders/internal/events"
	"github.com/noah-isme/toko-orders/internal/health"
	"github.com/noah-isme/toko-orders/internal/lock"
	"github.com/noah-isme/toko-orders/internal/obs"
	"github.com/noah-isme/toko-orders/internal/order"
	"github.com/noah-isme/toko-orders/internal/payment"
	"github.com/noah-isme/toko-orders/internal/ratelimit"
	"github.com/noah-isme/toko-orders/internal/resilience"
	"github.com/noah-isme/toko-orders/internal/security"
	"github.com/noah-isme/toko-orders/internal/store"
	"github.com/noah-isme/toko-orders/internal/voucher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	if cfg.Obs.MetricsEnabled {
		obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)
		resilience.MustRegisterMetrics(nil)
	}

	tracingEnabled := cfg.Obs.TracingEnabled
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "toko-orders-api",
			Endpoint:      cfg.Obs.OTLPEndpoint,
			Exporter:      cfg.Obs.TracingExporter,
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("migrate database")
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	deps, err := app.Connect(connectCtx, cfg, logger, "toko-orders-api")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("connect dependencies")
	}
	defer deps.Close()

	svcLogger := logger.With().Str("component", "orders").Logger()
	svc, err := app.Build(app.Options{
		Config:      cfg,
		Collections: app.PostgresCollections(deps.DB),
		Redis:       deps.Redis,
		Notifiers:   []events.Notifier{app.EventNotifier(cfg, deps.Tasks)},
		Gateways:    app.Gateways(cfg),
		Logger:      &svcLogger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise services")
	}
	logger.Info().Strs("payment_methods", svc.Gateways.Methods()).Msg("payment gateways registered")

	payLimiter, err := ratelimit.New(deps.Redis, "ratelimit:pay", cfg.PayRateLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise pay rate limiter")
	}
	webhookLimiter, err := ratelimit.New(deps.Redis, "ratelimit:webhook", cfg.WebhookRateLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise webhook rate limiter")
	}
	onLimitErr := func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") }

	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}

	catalogHandler := catalog.NewHandler(catalog.HandlerConfig{Service: svc.Catalog, AdminToken: cfg.AdminToken})
	cartHandler := &cart.Handler{Svc: svc.Bundles}
	checkoutHandler := &checkout.Handler{
		Svc:  svc.Checkout,
		Idem: idem,
		PayLimit: ratelimit.Handler{
			Limiter: payLimiter,
			Key:     ratelimit.ByURLParam("key"),
			OnError: onLimitErr,
		}.Middleware,
	}
	voucherHandler := &voucher.Handler{Svc: svc.Vouchers, AdminToken: cfg.AdminToken, RemindWindow: cfg.VoucherRemindWindow}
	orderAdmin := &order.AdminHandler{Svc: svc.Checkout, AdminToken: cfg.AdminToken}
	webhookLogger := logger.With().Str("component", "payment_webhook").Logger()
	paymentWebhook := &payment.Webhook{
		Registry:  svc.Gateways,
		Settler:   svc.Checkout,
		Replay:    lock.Claims{R: deps.Redis},
		ReplayTTL: cfg.WebhookReplayTTL,
		Logger:    &webhookLogger,
	}

	var httpMetrics *obs.HTTPMetrics
	if cfg.Obs.MetricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", obs.AccountHeader, common.AdminTokenHeader},
		ExposedHeaders: []string{"X-Total-Count", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	if httpMetrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.Obs.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.Obs.PprofUser, cfg.Obs.PprofPass))
	}

	healthHandler := health.Handler{Probes: deps.Probes(cfg.Obs.HealthDBTimeout, cfg.Obs.HealthRedisTimeout)}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.Headers{HSTS: cfg.AppEnv == "production"}.Middleware)
		v.Use(security.BodyLimit{Max: cfg.MaxBodyBytes}.Middleware)

		catalogHandler.Routes(v)
		cartHandler.Routes(v)
		checkoutHandler.Routes(v)
		voucherHandler.Routes(v)
		orderAdmin.Routes(v)
		v.With(ratelimit.Handler{
			Limiter: webhookLimiter,
			Key:     ratelimit.ByClientIP,
			OnError: onLimitErr,
		}.Middleware).Group(paymentWebhook.Routes)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
