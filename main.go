package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vkuzmin/entitytrack/config"
	"github.com/vkuzmin/entitytrack/internal/clients"
	"github.com/vkuzmin/entitytrack/internal/metrics"
	"github.com/vkuzmin/entitytrack/internal/scheduler"
	"github.com/vkuzmin/entitytrack/internal/services/balance"
	"github.com/vkuzmin/entitytrack/internal/services/retention"
	"github.com/vkuzmin/entitytrack/internal/services/transfer"
	"github.com/vkuzmin/entitytrack/internal/storage/journal"
	"github.com/vkuzmin/entitytrack/internal/storage/snapshots"
	"github.com/vkuzmin/entitytrack/internal/web"
	"github.com/vkuzmin/entitytrack/pkg/retrier"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Get()
	if err != nil {
		logger.Fatal("failed to get configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A freshly restarted instance can race an old one still holding the
	// database file, so opening the store is retried with backoff.
	openRetrier := retrier.New(
		retrier.WithAttempts(5),
		retrier.WithBaseDelay(time.Second),
		retrier.WithNotify(func(attempt int, err error, next time.Duration) {
			logger.Warn("snapshot store not ready, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("nextIn", next),
				zap.Error(err))
		}),
	)
	store, err := retrier.DoWithData(ctx, openRetrier, func(ctx context.Context) (*snapshots.Store, error) {
		return snapshots.New(cfg.DBPath, logger)
	})
	if err != nil {
		logger.Fatal("failed to open snapshot store", zap.Error(err))
	}
	defer store.Close()

	tickJournal, err := journal.New(cfg.JournalDir)
	if err != nil {
		logger.Fatal("failed to open tick journal", zap.Error(err))
	}
	defer tickJournal.Close()

	arkham := clients.NewArkhamClient(cfg.ArkhamBaseURL, cfg.ArkhamPath, cfg.Entity,
		cfg.ArkhamHeaders, logger, clients.WithTimeout(cfg.ArkhamTimeout))

	m := metrics.New()

	retentionMgr := retention.NewManager(store, cfg.MaxSnapshots, cfg.MinSnapshots, m, logger)
	balanceSvc := balance.NewService(balance.Config{
		Entity:           cfg.Entity,
		ForceLookbackMin: cfg.ForceLookbackMin,
		OlderBaselineMin: cfg.OlderBaselineMin,
	}, arkham, store, retentionMgr, logger)
	balanceSvc.Initialize(ctx)

	transferSvc := transfer.NewService(arkham, cfg.Entity, logger)

	hub := web.NewHub(logger, m)
	sched := scheduler.New(scheduler.Config{
		Entity:            cfg.Entity,
		BalancesInterval:  cfg.BalancesInterval,
		TransfersInterval: cfg.TransfersInterval,
	}, balanceSvc, transferSvc, hub, tickJournal, m, logger)

	srv := &web.Server{
		Addr:      cfg.Addr(),
		Results:   sched,
		Hub:       hub,
		Headers:   arkham,
		History:   tickJournal,
		Store:     store,
		Retention: retentionMgr,
		Info: web.Info{
			Entity:            cfg.Entity,
			BalancesInterval:  cfg.BalancesInterval,
			TransfersInterval: cfg.TransfersInterval,
			ForceLookbackMin:  cfg.ForceLookbackMin,
			OlderBaselineMin:  cfg.OlderBaselineMin,
		},
		SharedSecret: cfg.SharedSecret,
		Logger:       logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})

	logger.Info("tracker started",
		zap.String("entity", cfg.Entity),
		zap.String("addr", cfg.Addr()))

	if err := g.Wait(); err != nil {
		logger.Error("tracker stopped with error", zap.Error(err))
		return
	}
	logger.Info("tracker stopped")
}
