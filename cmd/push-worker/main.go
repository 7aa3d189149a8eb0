package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "github.com/iwent-com-tr/bilet-push/internal/config/push-worker"
	"github.com/iwent-com-tr/bilet-push/internal/errtrack"
	"github.com/iwent-com-tr/bilet-push/internal/metrics"
	"github.com/iwent-com-tr/bilet-push/internal/obs"
	"github.com/iwent-com-tr/bilet-push/internal/obs/retry"
	"github.com/iwent-com-tr/bilet-push/internal/repository/kafka"
	pg "github.com/iwent-com-tr/bilet-push/internal/repository/postgres"
	"github.com/iwent-com-tr/bilet-push/internal/repository/redisq"
	"github.com/iwent-com-tr/bilet-push/internal/sender"
	pushworker "github.com/iwent-com-tr/bilet-push/internal/services/push-worker"
	"github.com/iwent-com-tr/bilet-push/internal/targeting"
	"github.com/iwent-com-tr/bilet-push/internal/vapid"
)

func wire(cfg *config.Config, db *pg.DB, queue *redisq.Queue, cons *kafka.Consumer, l *zap.Logger) (*pushworker.Runner, *pushworker.Controller, *errtrack.Tracker, *metrics.Collector) {
	subs := pg.NewSubscriptionRepo(db)
	dir := pg.NewDirectoryRepo(db)

	identity := vapid.NewIdentity(cfg.VAPID.AsVAPIDConfig(), cfg.App.Env)
	if _, err := identity.Load(); err != nil {
		l.Fatal("vapid config", zap.Error(err))
	}

	tracker := errtrack.New(subs, cfg.Alerts, l)
	snd := sender.New(sender.NewWebPushTransport(identity), tracker, cfg.Worker.SendConcurrency, l)
	resolver := targeting.NewResolver(dir, subs, l)
	collector := metrics.NewCollector(queue, queue, db.Pool, subs, tracker, l)

	h := &pushworker.Handler{
		Log:       l.With(zap.String("component", "push-handler")),
		Resolver:  resolver,
		Sender:    snd,
		Store:     subs,
		Titles:    dir,
		Collector: collector,
	}

	runner := pushworker.NewRunner(l, queue, h, collector, cfg.Worker.Workers, cfg.Worker.Poll)
	ctrl := &pushworker.Controller{Log: l, Sub: cons, Queue: queue, Resolver: resolver, Retry: retry.DefaultStorePolicy(l)}
	return runner, ctrl, tracker, collector
}

func main() {
	root, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("PUSH_WORKER_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}

	l, err := obs.NewLogger(cfg.AsLoggerConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()

	otelCloser, err := obs.SetupOTel(root, cfg.OTEL.AsOTELConfig())
	if err != nil {
		l.Fatal("otel init", zap.Error(err))
	}
	defer func() { _ = otelCloser.Shutdown(context.Background()) }()

	db, err := pg.New(root, cfg.DB)
	if err != nil {
		l.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	queue := redisq.New(cfg.Redis, l)
	defer func() { _ = queue.Close() }()

	cons := kafka.NewConsumer(cfg.In.AsConsumerConfig()).WithLogger(l)
	defer func() { _ = cons.Close() }()

	runner, ctrl, tracker, _ := wire(cfg, db, queue, cons, l)

	ms := obs.BootstrapMetricsServer(cfg.Server.MetricsAddr, func(ctx context.Context) error {
		hctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		return db.Pool.Ping(hctx)
	}, l)

	errCh := make(chan error, 2)
	go func() { errCh <- runner.Run(root) }()
	go func() { errCh <- ctrl.Run(root) }()

	// periodic purge of disabled subscriptions nobody has seen in a while
	go func() {
		ticker := time.NewTicker(cfg.Worker.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-root.Done():
				return
			case <-ticker.C:
				tracker.PerformBatchCleanup(root)
			}
		}
	}()

	select {
	case <-root.Done():
	case err = <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("service error", zap.Error(err))
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = ms.Shutdown(shCtx)
	l.Info("bye")
}
