// Package store implements sentinelzero.StoreGateway on top of gorm/sqlite
// for declared state (workloads, policies, schedules, metrics) and a
// flock-guarded append-only file per workload for captured output lines.
package store

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ShuhaoZQGG/sentinel-zero"
)

// Config configures a SQLStore.
type Config struct {
	// Path is the sqlite database file path, e.g. "./data/sentinelzero.db".
	Path string

	// LogDir holds one append-only log file per workload ID.
	LogDir string
}

// DefaultConfig returns sensible on-disk locations for a single-instance
// daemon; callers normally override both against their data directory.
func DefaultConfig() Config {
	return Config{Path: "sentinelzero.db", LogDir: "logs"}
}

// SQLStore is sentinelzero.StoreGateway backed by gorm over sqlite.
type SQLStore struct {
	db     *gorm.DB
	logs   *logStore
	logger *zap.Logger
}

var _ sentinelzero.StoreGateway = (*SQLStore)(nil)

// Open opens (creating if absent) the sqlite database, runs AutoMigrate,
// opens the log directory, and seeds the builtin restart policies.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*SQLStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: Path must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: open database")
	}

	if err := db.WithContext(ctx).AutoMigrate(
		&workloadRow{}, &restartPolicyRow{}, &scheduleRow{},
		&metricSampleRow{}, &eventJournalRow{},
	); err != nil {
		return nil, errors.Wrap(err, "store: migrate schema")
	}

	ls, err := newLogStore(cfg.LogDir)
	if err != nil {
		return nil, errors.Wrap(err, "store: open log directory")
	}

	s := &SQLStore{db: db, logs: ls, logger: logger}

	if err := s.seedBuiltinPolicies(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.logger.Info("store opened", zap.String("path", cfg.Path), zap.String("log_dir", cfg.LogDir))
	return s, nil
}

// Close releases the underlying sqlite connection and any open log files.
func (s *SQLStore) Close() error {
	s.logs.Close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) seedBuiltinPolicies(ctx context.Context) error {
	for _, p := range sentinelzero.BuiltinPolicies() {
		existing, err := s.GetPolicy(ctx, p.Name)
		if err != nil && !sentinelzero.Is(err, sentinelzero.KindNotFound) {
			return err
		}
		if existing != nil {
			continue
		}
		if err := s.PutPolicy(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn inside a transaction, mirroring gorm's own
// DB.Transaction(func(tx *gorm.DB) error) contract: a returned error rolls
// back, nil commits.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil {
		if te, ok := err.(*sentinelzero.Error); ok {
			return te
		}
		return storeErr(err)
	}
	return nil
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinelzero.New(sentinelzero.KindNotFound, "not found")
	}
	return sentinelzero.Wrap(sentinelzero.KindStoreUnavailable, err, "store operation failed")
}

func notFoundf(format string, args ...interface{}) error {
	return sentinelzero.New(sentinelzero.KindNotFound, fmt.Sprintf(format, args...))
}
