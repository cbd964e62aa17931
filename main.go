package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"poolkeeper/config"
	"poolkeeper/internal/account"
	"poolkeeper/internal/channel"
	"poolkeeper/internal/pool"
	"poolkeeper/internal/quota"
	"poolkeeper/internal/reconcile"
	"poolkeeper/internal/replenish"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the wired components shared by every command
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	pools      *pool.Store
	storage    *account.Storage
	manager    *account.Manager
	tracker    *quota.Tracker
	controller *replenish.Controller
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveConfigPath picks --config, then CONFIG_PATH, then config.yaml
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

// loadApp loads the configuration and wires the components
func loadApp() (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Server.LogLevel)

	pools := pool.NewStore(cfg.Accounts.Dir, logger.With("component", "pools"))
	if err := pools.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("prepare accounts dir: %w", err)
	}

	storage, err := account.NewStorage(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}

	client := channel.NewClient(channel.ClientOptions{
		BaseURL:      cfg.ChannelAPI.BaseURL,
		Token:        cfg.ChannelAPI.Token,
		UserID:       cfg.ChannelAPI.UserID,
		SearchPath:   cfg.ChannelAPI.SearchPath,
		SearchParams: cfg.ChannelAPI.SearchParams,
		Timeout:      cfg.ChannelAPI.Timeout(),
	})
	uploader := channel.NewUploader(channel.UploaderOptions{
		BaseURL:     cfg.ChannelAPI.BaseURL,
		UploadPath:  cfg.Upload.Path,
		Token:       cfg.ChannelAPI.Token,
		UserID:      cfg.ChannelAPI.UserID,
		Template:    cfg.Upload.Template,
		MaxAttempts: cfg.Upload.MaxAttempts,
		RetryDelay:  cfg.Upload.RetryDelay(),
		Timeout:     cfg.Upload.Timeout(),
		Logger:      logger.With("component", "uploader"),
	})
	engine := reconcile.NewEngine(storage, pools, logger.With("component", "reconcile"))

	return &app{
		cfg:     cfg,
		logger:  logger,
		pools:   pools,
		storage: storage,
		manager: account.NewManager(pools, storage, logger.With("component", "activation")),
		tracker: quota.NewTracker(pools, storage),
		controller: replenish.NewController(client, engine, uploader, pools, replenish.Options{
			Concurrency: cfg.Upload.Concurrency,
			Logger:      logger.With("component", "replenish"),
		}),
	}, nil
}

func (a *app) scheduler() *replenish.Scheduler {
	opts := replenish.SchedulerOptions{
		Target:       a.cfg.Monitor.TargetChannels,
		Min:          a.cfg.Monitor.MinChannels,
		Interval:     a.cfg.Monitor.Interval(),
		ErrorBackoff: a.cfg.Monitor.ErrorBackoff(),
		Debounce:     a.cfg.Monitor.Debounce(),
		Logger:       a.logger.With("component", "scheduler"),
	}
	if a.cfg.Monitor.Watch {
		opts.WatchDirs = []string{a.pools.Dir(pool.Fresh), a.pools.Dir(pool.Activated)}
	}
	return replenish.NewScheduler(a.controller, opts)
}

func (a *app) Close() error {
	return a.storage.Close()
}
