package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/toko-orders/internal/app"
	"github.com/noah-isme/toko-orders/internal/config"
	"github.com/noah-isme/toko-orders/internal/events"
	"github.com/noah-isme/toko-orders/internal/lock"
	"github.com/noah-isme/toko-orders/internal/notify"
	"github.com/noah-isme/toko-orders/internal/obs"
	"github.com/noah-isme/toko-orders/internal/resilience"
	"github.com/noah-isme/toko-orders/internal/voucher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "worker").Logger()
	if cfg.Obs.MetricsEnabled {
		obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)
		resilience.MustRegisterMetrics(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.Connect(connectCtx, cfg, logger, "toko-orders-worker")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("connect dependencies")
	}
	defer deps.Close()

	svc, err := app.Build(app.Options{
		Config:      cfg,
		Collections: app.PostgresCollections(deps.DB),
		Redis:       deps.Redis,
		Notifiers:   []events.Notifier{app.EventNotifier(cfg, deps.Tasks)},
		Logger:      &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise services")
	}

	channels := []notify.Channel{}
	if cfg.Notify.EmailEnabled {
		channels = append(channels, notify.EmailChannel{
			Mail:         notify.LogMailer{Logger: logger.With().Str("channel", "email").Logger()},
			TopicToggles: cfg.Notify.EmailTopics,
		})
	}
	if len(cfg.Notify.WebhookURLs) > 0 {
		endpoints := make([]notify.Endpoint, 0, len(cfg.Notify.WebhookURLs))
		for _, u := range cfg.Notify.WebhookURLs {
			endpoints = append(endpoints, notify.Endpoint{URL: u, Secret: cfg.Notify.WebhookSecret})
		}
		channels = append(channels, notify.WebhookChannel{
			Endpoints: endpoints,
			HTTP:      resilience.NewHTTPClient("merchant-webhook", cfg.Notify.WebhookTimeout, 2),
		})
	}

	worker := &notify.Worker{
		Channels:  channels,
		Locker:    lock.Redis{R: deps.Redis, Prefix: "lock:", RetryBackoff: 25 * time.Millisecond},
		LockTTL:   cfg.LockTTL,
		Replay:    lock.Claims{R: deps.Redis, Prefix: "notify:"},
		ReplayTTL: cfg.Notify.SentTTL,
		Logger:    &logger,
	}

	mux := asynq.NewServeMux()
	worker.Register(mux)
	mux.Handle(voucher.TaskRemind, voucher.Reminder{Svc: svc.Vouchers, Window: cfg.VoucherRemindWindow, Logger: &logger})

	redisOpt, err := app.TaskRedisOpt(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("task redis options")
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Notify.Concurrency,
		Queues:          map[string]int{cfg.Notify.Queue: 6, "default": 1},
		Logger:          obs.TaskLogger{Logger: logger},
		ShutdownTimeout: cfg.Notify.ShutdownTimeout,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			obs.Ctx(ctx, &logger).Error().Err(err).Str("task", task.Type()).Msg("task failed")
		}),
	})

	var scheduler *asynq.Scheduler
	if cfg.Notify.RemindEnabled {
		scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: obs.TaskLogger{Logger: logger}})
		task, err := voucher.NewRemindTask(cfg.VoucherRemindWindow)
		if err != nil {
			logger.Fatal().Err(err).Msg("build remind task")
		}
		if _, err := scheduler.Register(cfg.Notify.RemindCronSpec, task); err != nil {
			logger.Fatal().Err(err).Msg("register remind schedule")
		}
		if err := scheduler.Start(); err != nil {
			logger.Fatal().Err(err).Msg("start scheduler")
		}
	}

	if err := server.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Int("channels", len(channels)).Msg("worker started")

	<-ctx.Done()
	if scheduler != nil {
		scheduler.Shutdown()
	}
	server.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}
