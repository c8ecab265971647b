package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	sentinelzero "github.com/ShuhaoZQGG/sentinel-zero"
	"github.com/ShuhaoZQGG/sentinel-zero/store"
)

var (
	configPath string
	dataDir    string
	dbPath     string
)

func main() {
	root := &cobra.Command{
		Use:     "sentinelzerod",
		Short:   "sentinelzerod supervises declared workloads with restart policies and schedules",
		Version: "0.1.0",
		RunE:    run,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "sentinelzero.yaml", "path to the configuration file")
	root.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "./data", "directory holding the daemon lock file and per-workload logs")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite database file (defaults to <data-dir>/sentinelzero.db)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return errors.Wrap(err, "failed to create data directory")
	}

	lockPath := filepath.Join(dataDir, "sentinelzerod.lock")
	lock := flock.New(lockPath)

	locked, err := lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "failed to acquire daemon lock")
	}
	if !locked {
		return errors.New("sentinelzerod is already running (lock held at " + lockPath + ")")
	}
	defer lock.Unlock()

	logger, err := zap.NewProduction()
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := sentinelzero.LoadConfig(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	storeCfg := store.DefaultConfig()
	if dbPath != "" {
		storeCfg.Path = dbPath
	} else {
		storeCfg.Path = filepath.Join(dataDir, "sentinelzero.db")
	}
	storeCfg.LogDir = filepath.Join(dataDir, "logs")

	gw, err := store.Open(ctx, storeCfg, logger)
	if err != nil {
		return errors.Wrap(err, "failed to open store")
	}
	defer gw.Close()

	coord := sentinelzero.NewCoordinator(gw, cfg, logger)

	if err := coord.Recover(ctx); err != nil {
		return errors.Wrap(err, "failed to recover workloads")
	}

	if err := sentinelzero.WatchConfig(ctx, configPath, logger, func(newCfg *sentinelzero.Config) {
		logger.Info("configuration reloaded", zap.String("path", configPath))
		coord.SetConfig(newCfg)
	}); err != nil {
		logger.Warn("config file watch disabled", zap.Error(err))
	}

	logger.Info("sentinelzerod started", zap.String("data_dir", dataDir))

	<-ctx.Done()

	logger.Info("sentinelzerod shutting down")
	coord.Shutdown(context.Background())
	return nil
}
