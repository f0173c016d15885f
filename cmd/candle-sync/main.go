package main

import (
	"cmp"
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/candles"
	"github.com/STTM-NSU/candle-sync/internal/coinbase"
	"github.com/STTM-NSU/candle-sync/internal/config"
	"github.com/STTM-NSU/candle-sync/internal/logger"
	"github.com/STTM-NSU/candle-sync/internal/postgres"
	"github.com/STTM-NSU/candle-sync/internal/storage"
	"github.com/STTM-NSU/candle-sync/internal/syncer"
	"github.com/STTM-NSU/candle-sync/internal/tools"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

const (
	_syncCfgFilePath = "./configs/sync.yaml"
)

func main() {
	envErr := godotenv.Load()

	cfgPath := cmp.Or(os.Getenv("CANDLE_SYNC_CONFIG"), _syncCfgFilePath)
	cfg, cfgErr := config.Load(cfgPath)
	if errors.Is(cfgErr, os.ErrNotExist) {
		cfg = config.Default()
		cfg.ApplyEnv()
		if err := cfg.Setup(); err != nil {
			log.Fatalf("%s: can't setup default cfg", err)
		}
	}

	zapLogger, loggerSync, err := logger.NewZapLogger(logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Fatalf("%s: can't init logger", err)
	}
	defer loggerSync()

	if envErr != nil {
		zapLogger.Warnf("can't detect .env file")
	}
	switch {
	case errors.Is(cfgErr, os.ErrNotExist):
		zapLogger.Warnf("config %s not found, using defaults", cfgPath)
	case cfgErr != nil:
		zapLogger.Fatalf("%s: can't load sync cfg", cfgErr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		zapLogger.Fatalf("%s: can't create data dir %s", err, cfg.DataDir)
	}

	store, closeStore, err := openStore(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatalf("%s: can't open %s store", err, cfg.Storage.Driver)
	}
	defer func() {
		if err := closeStore(); err != nil {
			zapLogger.Errorf("%s: can't close store", err)
		}
	}()

	client := coinbase.NewClient(cfg.Provider, zapLogger.With("provider", cfg.Provider.Source))
	defer client.Close()

	clock := tools.NewClock()
	fetcher := candles.NewFetcher(client, cfg.Fetch, cfg.Provider.Source, clock, zapLogger.With("series", cfg.Series))
	s := syncer.NewSyncer(cfg, store, fetcher, clock, zapLogger.With("series", cfg.Series))

	sum, err := s.Run(ctx)
	if err != nil {
		zapLogger.Fatalf("%s: can't sync %s", err, cfg.Series)
	}
	if sum.UpToDate {
		return
	}

	zapLogger.Infof(
		"synced %s: window %s..%s, %d requests, %d fetched, %d added, %d duplicates, %d dropped, %d skipped chunks, %d gaps filled, %d gaps pending",
		cfg.Series, sum.Start.Format(time.RFC3339), sum.End.Format(time.RFC3339),
		sum.Requests, sum.Fetched, sum.Added, sum.Duplicates, sum.Dropped, sum.Skipped, sum.Recovered, sum.PendingGaps,
	)
	if sum.Exhausted {
		zapLogger.Warnf("request ceiling %d reached, the rest is left for the next run", cfg.Fetch.MaxRequests)
	}
	if sum.Total == 0 {
		zapLogger.Infof("%s is empty", cfg.Series)
		return
	}
	zapLogger.Infof("%s holds %d candles from %s to %s",
		cfg.Series, sum.Total, sum.First.Format(time.RFC3339), sum.Last.Format(time.RFC3339))
}

func openStore(ctx context.Context, cfg config.Config, l logger.Logger) (storage.Store, func() error, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Storage.Driver {
	case config.CSV:
		return storage.NewCSVStore(cfg.DataDir), func() error { return nil }, nil
	case config.SQLite:
		path := cfg.Storage.SQLitePath
		if filepath.Dir(path) == "." {
			path = filepath.Join(cfg.DataDir, path)
		}
		db, err = storage.OpenSQLite(path)
	case config.Postgres:
		pgCfg := postgres.NewConfigFromEnv().Setup()
		l.Infof("connecting to postgres %s", pgCfg.Redacted())
		db, err = postgres.NewDB(ctx, pgCfg)
	}
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, nil, multierr.Append(err, db.Close())
	}
	return store, db.Close, nil
}
