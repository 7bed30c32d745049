package main

import (
	"context"
	"database/sql"
	"flag"
	"os"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver
	"github.com/pressly/goose/v3"

	"github.com/navid-fn/pricefeed/configs"
	"github.com/navid-fn/pricefeed/internal/logger"
	"github.com/navid-fn/pricefeed/internal/migrations"
)

func main() {
	command := flag.String("command", "up", "goose command to run (up, down, status, version)")
	flag.Parse()

	cfg := configs.AppLoad()
	log := logger.New(cfg.LogLevel)

	db, err := sql.Open("clickhouse", cfg.Archive.DSN)
	if err != nil {
		log.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.WithError(err).Error("Failed to ping database")
		os.Exit(1)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("clickhouse"); err != nil {
		log.WithError(err).Error("Goose: failed to set dialect")
		os.Exit(1)
	}

	log.WithField("command", *command).Info("Running database migrations...")
	if err := goose.RunContext(context.Background(), *command, db, "."); err != nil {
		log.WithError(err).Error("Goose migration failed")
		os.Exit(1)
	}

	log.Info("Migrations completed successfully")
}
