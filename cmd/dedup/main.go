package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/pricefeed/configs"
	"github.com/navid-fn/pricefeed/internal/dedup"
	"github.com/navid-fn/pricefeed/internal/logger"
	"github.com/navid-fn/pricefeed/internal/publisher"
	"github.com/navid-fn/pricefeed/internal/server"
	"github.com/navid-fn/pricefeed/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	appConfig := configs.AppLoad()
	log := logger.New(appConfig.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cache dedup.Cache
	if appConfig.Redis.Addr != "" {
		rdb, err := dedup.NewRedisClient(ctx, appConfig.Redis.Addr, appConfig.Redis.Password, appConfig.Redis.DB)
		if err != nil {
			log.WithError(err).Error("Failed to connect to Redis")
			return 1
		}
		defer rdb.Close()
		cache = dedup.NewRedisCache(rdb, appConfig.Dedup.TTL)
		log.WithField("addr", appConfig.Redis.Addr).Info("Using Redis dedup cache")
	} else {
		memory := dedup.NewMemoryCache(appConfig.Dedup.TTL)
		go memory.RunCleanup(ctx, appConfig.Dedup.CleanupInterval, log)
		cache = memory
		log.WithField("interval", appConfig.Dedup.CleanupInterval).Info("Cache cleanup started")
	}

	var archive dedup.Archive
	if appConfig.Archive.Enabled {
		ch, err := storage.NewClickHouse(appConfig.Archive.DSN)
		if err != nil {
			log.WithError(err).Error("Failed to connect to ClickHouse")
			return 1
		}
		defer ch.Close()
		archive = ch
	}

	if err := publisher.EnsureTopic(ctx, appConfig.KafkaDedup.Broker, appConfig.KafkaDedup.Topic, len(appConfig.Trades.ProductIDs), log); err != nil {
		log.WithError(err).Warn("Could not provision output topic, relying on broker defaults")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        []string{appConfig.KafkaTrade.Broker},
		Topic:          appConfig.KafkaTrade.Topic,
		GroupID:        appConfig.KafkaDedup.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // commits are manual, after forwarding
	})
	defer reader.Close()

	writer := publisher.NewWriter(appConfig.KafkaDedup.Broker, appConfig.KafkaDedup.Topic)
	defer writer.Close()

	batchSize := 1
	if archive != nil {
		batchSize = appConfig.Archive.BatchSize
	}
	svc := dedup.NewService(reader, writer, cache, archive, dedup.Config{
		Topic:        appConfig.KafkaTrade.Topic,
		BatchSize:    batchSize,
		BatchTimeout: appConfig.Archive.BatchTimeout,
	}, log)

	probeCtx, stopProbes := context.WithCancel(ctx)
	probes := server.New(appConfig.HealthPort, svc, func() any { return svc.Stats() }, log)
	probesDone := probes.Run(probeCtx)
	defer func() {
		stopProbes()
		<-probesDone
	}()

	log.WithFields(logrus.Fields{
		"input":   appConfig.KafkaTrade.Topic,
		"output":  appConfig.KafkaDedup.Topic,
		"archive": archive != nil,
	}).Info("Deduplication service started")

	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Error("Deduplication service stopped with error")
		return 1
	}

	log.Info("Deduplication service shutdown complete")
	return 0
}
