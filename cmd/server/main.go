package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/liangchen812/walletsync/internal/config"
	"github.com/liangchen812/walletsync/internal/connectivity"
	"github.com/liangchen812/walletsync/internal/ledger"
	"github.com/liangchen812/walletsync/internal/logger"
	"github.com/liangchen812/walletsync/internal/model"
	"github.com/liangchen812/walletsync/internal/queue"
	"github.com/liangchen812/walletsync/internal/service"
	"github.com/liangchen812/walletsync/internal/syncer"
	httptransport "github.com/liangchen812/walletsync/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Transaction{}, &model.WalletOfflineUsage{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. queue, ledger client, coordinator, service
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

	defaultLimit, err := decimal.NewFromString(cfg.Wallet.DefaultOfflineDailyLimit)
	if err != nil {
		log.Fatalf("default offline daily limit: %v", err)
	}
	svc := service.NewTransactionService(q, rdb, log, defaultLimit)

	// 7. gin router
	router := httptransport.NewRouter(svc, coord, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("walletsync server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
