// syncd drains the local transaction queue in the background. Passes are
// triggered by a periodic ticker, by connectivity coming back online, and by
// SIGHUP (the platform's "attempt a drain now" wake signal). All triggers
// funnel into the coordinator's single-flight entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liangchen812/walletsync/internal/config"
	"github.com/liangchen812/walletsync/internal/connectivity"
	"github.com/liangchen812/walletsync/internal/ledger"
	"github.com/liangchen812/walletsync/internal/logger"
	"github.com/liangchen812/walletsync/internal/model"
	"github.com/liangchen812/walletsync/internal/queue"
	"github.com/liangchen812/walletsync/internal/syncer"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Transaction{}, &model.WalletOfflineUsage{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	q := queue.New(gdb, log)
	lc := ledger.NewHTTPClient(cfg.Ledger.BaseURL, cfg.Ledger.Timeout(), log)
	monitor := connectivity.NewProbe(lc.Health, cfg.Sync.ProbeInterval(), log)

	coord := syncer.New(q, lc, monitor, kw, rdb, log, syncer.Options{
		BatchSize:    cfg.Sync.BatchSize,
		BackoffFloor: cfg.Sync.BackoffFloor(),
		BackoffCap:   cfg.Sync.BackoffCap(),
	})
	coord.RegisterCallback(func(ev syncer.Event) {
		log.Infof("sync %s: %s (affected=%d)", ev.Outcome, ev.Message, ev.AffectedCount)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx)

	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGHUP)

	ticker := time.NewTicker(cfg.Sync.Interval())
	defer ticker.Stop()

	log.Info("walletsync syncd started")
	for {
		select {
		case <-ctx.Done():
			log.Info("walletsync syncd stopping")
			return
		case <-ticker.C:
			run(ctx, coord, syncer.TriggerPeriodic, log)
		case st := <-monitor.Changes():
			if st.Online {
				run(ctx, coord, syncer.TriggerConnectivity, log)
			}
		case <-wake:
			run(ctx, coord, syncer.TriggerWake, log)
		}
	}
}

func run(ctx context.Context, coord *syncer.Coordinator, trigger syncer.Trigger, log *zap.SugaredLogger) {
	if _, _, err := coord.Sync(ctx, trigger); err != nil {
		log.Errorf("sync pass (%s): %v", trigger, err)
	}
}
