package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"marketplace-reconciler/internal/api"
	"marketplace-reconciler/internal/audit"
	"marketplace-reconciler/internal/config"
	"marketplace-reconciler/internal/entitylock"
	"marketplace-reconciler/internal/gateway"
	"marketplace-reconciler/internal/idempotency"
	"marketplace-reconciler/internal/lifecycle"
	"marketplace-reconciler/internal/notifier"
	"marketplace-reconciler/internal/queue"
	"marketplace-reconciler/internal/ratelimit"
	"marketplace-reconciler/internal/reconciler"
	"marketplace-reconciler/internal/service"
	"marketplace-reconciler/internal/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueueWithClient(rdb, cfg)
	limiter := ratelimit.NewProviderLimiter(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	locker := entitylock.New(rdb, cfg.VisibilityTimeout)

	guard := idempotency.New(st)
	ledger := audit.New(st, log)
	gw := gateway.NewHTTPAdapter(cfg.GatewayBaseURL, cfg.GatewayTimeout)
	n := buildNotifier(cfg, log)

	manager := lifecycle.NewManager(st, q, guard, ledger, lifecycle.Backoff{
		Base:       cfg.BackoffBase,
		Multiplier: cfg.BackoffMultiplier,
		Max:        cfg.BackoffMax,
		Jitter:     cfg.BackoffJitter,
	}, cfg.SweepBatchSize, log)
	rec := reconciler.New(st, guard, ledger, cfg.WebhookSecrets, log)

	core := service.NewCore(st, locker, ledger, manager, n, gw, log)
	svcs := service.RegisterAll(core, manager, rec)

	var exporter *audit.Exporter
	if cfg.ExportBucket != "" {
		exporter, err = audit.NewS3Exporter(ctx, cfg.ExportRegion, cfg.ExportBucket)
		if err != nil {
			log.WithError(err).Fatal("init trail exporter")
		}
	}

	server := api.New(cfg, svcs.Refunds, svcs.Payments, svcs.Settlements, manager, rec, ledger, exporter, q, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.Env == "prod" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func buildNotifier(cfg config.Config, log *logrus.Logger) notifier.Notifier {
	if cfg.AMQPURL == "" {
		return notifier.NewLogNotifier(log)
	}
	n, err := notifier.NewAMQPNotifier(cfg.AMQPURL, cfg.NotifyExchange, log)
	if err != nil {
		log.WithError(err).Warn("amqp unavailable, falling back to log notifier")
		return notifier.NewLogNotifier(log)
	}
	return n
}
