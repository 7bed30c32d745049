package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/pricefeed/configs"
	"github.com/navid-fn/pricefeed/internal/health"
	"github.com/navid-fn/pricefeed/internal/ingest"
	"github.com/navid-fn/pricefeed/internal/kraken"
	"github.com/navid-fn/pricefeed/internal/logger"
	"github.com/navid-fn/pricefeed/internal/publisher"
	"github.com/navid-fn/pricefeed/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	appConfig := configs.AppLoad()
	log := logger.New(appConfig.LogLevel)

	if err := appConfig.Validate(); err != nil {
		log.WithError(err).Error("Invalid configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := health.NewState()

	// The probes outlive the job: on return they report stopped, drain, then shut down.
	probeCtx, stopProbes := context.WithCancel(ctx)
	probes := server.New(appConfig.HealthPort, state, func() any { return state.Snapshot() }, log)
	probesDone := probes.Run(probeCtx)
	defer func() {
		stopProbes()
		<-probesDone
	}()

	cfg := appConfig.Trades
	if err := publisher.EnsureTopic(ctx, appConfig.KafkaTrade.Broker, appConfig.KafkaTrade.Topic, len(cfg.ProductIDs), log); err != nil {
		log.WithError(err).Warn("Could not provision topic, relying on broker defaults")
	}

	writer := publisher.NewWriter(appConfig.KafkaTrade.Broker, appConfig.KafkaTrade.Topic)
	pub := publisher.New(writer, string(cfg.Mode), state, log)
	defer pub.Close()
	state.SetKafkaConnected(true)

	historical := kraken.NewHistoricalFetcher(cfg.ProductIDs, cfg.LastNDays, kraken.DefaultHTTPConfig(appConfig.Kraken.RESTURL), log)

	wsConfig := kraken.DefaultWSConfig(appConfig.Kraken.WSURL)
	wsConfig.MaxReconnectAttempts = appConfig.Kraken.MaxReconnectAttempts
	live := kraken.NewLiveConnector(cfg.ProductIDs, wsConfig, log)

	coordCfg := ingest.DefaultConfig()
	coordCfg.Silence = cfg.LiveSilence

	log.WithFields(logrus.Fields{
		"mode":     cfg.Mode,
		"products": cfg.ProductIDs,
		"topic":    appConfig.KafkaTrade.Topic,
	}).Info("Starting trades service")

	coord := ingest.New(historical, live, pub, state, coordCfg, log)

	var err error
	switch cfg.Mode {
	case configs.ModeBackfill:
		err = coord.RunBackfill(ctx)
	case configs.ModeWebsocket:
		err = coord.RunLive(ctx)
	case configs.ModeHybrid:
		err = coord.RunHybrid(ctx)
	}

	switch {
	case err != nil:
		log.WithError(err).Error("Service error")
		if !errors.Is(err, ingest.ErrFatal) {
			state.MarkFatal()
		}
		return 1
	case ctx.Err() != nil:
		log.Info("Service stopped by signal")
	default:
		log.Info("Service finished")
	}
	return 0
}
