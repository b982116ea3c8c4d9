package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wesm/readcache/internal/config"
	"github.com/wesm/readcache/internal/db"
	"github.com/wesm/readcache/internal/diff"
	"github.com/wesm/readcache/internal/objstore"
	"github.com/wesm/readcache/internal/readcache"
	"github.com/wesm/readcache/internal/replay"
)

// app holds the wired components shared by every command.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	store  *objstore.Store
	replay *replay.Engine
	db     *db.DB
	cache  *readcache.Cache
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// newApp opens the ledger and wires the cache. A nil logger builds
// one from cfg.
func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	if logger == nil {
		var err error
		if logger, err = newLogger(cfg.Debug); err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  objstore.New(cfg.RepoRoot, logger),
		replay: replay.NewEngine(logger),
		db:     database,
	}
	a.cache = readcache.New(readcache.Options{
		Store:        a.store,
		Replay:       a.replay,
		Diff:         diff.NewEngine(diffTimeout),
		DiffLimits:   cfg.DiffLimits(),
		OutputLimits: cfg.OutputLimits(),
		Recorder:     database,
		Logger:       logger,
		Debug:        cfg.Debug,
	})
	return a, nil
}

func (a *app) Close() {
	a.replay.Clear()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing ledger", zap.Error(err))
	}
	_ = a.logger.Sync()
}
