package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chainvenue/core/internal/config"
	"github.com/chainvenue/core/internal/events"
	"github.com/chainvenue/core/internal/identity"
	"github.com/chainvenue/core/internal/ledger"
	"github.com/chainvenue/core/internal/matching"
	"github.com/chainvenue/core/internal/server"
	"github.com/chainvenue/core/internal/settlement"
	"github.com/chainvenue/core/internal/store"
	"github.com/chainvenue/core/pkg/logger"
	"github.com/chainvenue/core/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	metrics.Register(prometheus.DefaultRegisterer)

	db, err := store.Open(cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to open order store", zap.Error(err))
	}
	orders := store.NewOrderRepository(db, zapLogger)
	matches := store.NewMatchRepository(db, zapLogger)
	settlements := store.NewSettlementRepository(db, zapLogger)

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	}

	ledgerClient, err := ledger.New(cfg.Ledger, cache, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to create ledger client", zap.Error(err))
	}

	var publisher matching.EventPublisher
	if cfg.Kafka.Enabled {
		kp := events.NewKafkaPublisher(cfg.Kafka, zapLogger)
		defer kp.Close()
		publisher = kp
	}

	resolver := identity.NewResolver(orders, ledgerClient, zapLogger)
	engine := matching.NewEngine(orders, matches, ledgerClient, resolver, publisher, zapLogger)
	retro := matching.NewRetroactiveMatcher(orders, matches, ledgerClient, resolver, publisher, zapLogger)
	batcher := settlement.NewBatcher(matches, orders, settlements, cfg.Worker, zapLogger)
	submitter := settlement.NewSubmitter(settlements, matches, ledgerClient, cfg.Worker, zapLogger)
	worker := settlement.NewWorker(orders, retro, batcher, submitter, zapLogger)

	// A fresh match nudges settlement without the caller waiting on it.
	engine.SetSettleHint(func() {
		go worker.TriggerSettlementNow()
	})

	if err := worker.Start(cfg.Worker.Interval); err != nil {
		zapLogger.Fatal("failed to start settlement worker", zap.Error(err))
	}

	go func() {
		if err := server.New(worker, zapLogger).Run(cfg.Admin.ListenAddr); err != nil {
			zapLogger.Fatal("admin server exited", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down")
	worker.Stop()
}
