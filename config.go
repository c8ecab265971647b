package sentinelzero

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the enumerated configuration of §6.3. Unlike a dynamic
// attribute bag, unknown keys in the YAML source are rejected at load (the
// design note "dynamic attribute bags for configuration ... replaced by
// the enumerated configuration in §6.3; unknown keys are rejected at
// load").
type Config struct {
	Timezone               string `yaml:"timezone"`
	LogFlushBatch          int    `yaml:"log_flush_batch"`
	LogFlushIntervalMS     int    `yaml:"log_flush_interval_ms"`
	LogQueueMax            int    `yaml:"log_queue_max"`
	MetricSampleIntervalMS int    `yaml:"metric_sample_interval_ms"`
	DefaultStopGraceMS     int    `yaml:"default_stop_grace_ms"`
	CommandTimeoutMS       int    `yaml:"command_timeout_ms"`
	RetentionMaxAge        string `yaml:"retention_max_age"`
	RetentionMaxRecords    int    `yaml:"retention_max_records"`

	loc *time.Location
}

// DefaultConfig returns the configuration defaults enumerated in §6.3.
func DefaultConfig() *Config {
	return &Config{
		Timezone:               "UTC",
		LogFlushBatch:          100,
		LogFlushIntervalMS:     200,
		LogQueueMax:            10000,
		MetricSampleIntervalMS: 5000,
		DefaultStopGraceMS:     10000,
		CommandTimeoutMS:       5000,
		RetentionMaxAge:        "30d",
		RetentionMaxRecords:    1000000,
	}
}

// knownConfigKeys mirrors the YAML tags above and is used to reject unknown
// keys at load time.
var knownConfigKeys = map[string]struct{}{
	"timezone": {}, "log_flush_batch": {}, "log_flush_interval_ms": {},
	"log_queue_max": {}, "metric_sample_interval_ms": {},
	"default_stop_grace_ms": {}, "command_timeout_ms": {},
	"retention_max_age": {}, "retention_max_records": {},
}

// LoadConfig reads and decodes a YAML config file on top of DefaultConfig,
// rejecting unknown top-level keys.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finalizeConfig(cfg)
		}
		return nil, errors.Wrap(err, "failed to read config file")
	}

	if err := checkUnknownKeys(data); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	return finalizeConfig(cfg)
}

func checkUnknownKeys(data []byte) error {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "failed to parse config file")
	}
	for key := range raw {
		if _, ok := knownConfigKeys[key]; !ok {
			return New(KindInvalidField, "unknown configuration key "+key)
		}
	}
	return nil
}

func finalizeConfig(cfg *Config) (*Config, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, Wrap(KindInvalidField, err, "invalid timezone "+cfg.Timezone)
	}
	cfg.loc = loc
	if _, err := ParseDuration(cfg.RetentionMaxAge); err != nil {
		return nil, Wrap(KindInvalidField, err, "invalid retention_max_age")
	}
	return cfg, nil
}

// Location returns the configured cron-evaluation timezone.
func (c *Config) Location() *time.Location { return c.loc }

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

func (c *Config) DefaultStopGrace() time.Duration {
	return time.Duration(c.DefaultStopGraceMS) * time.Millisecond
}

func (c *Config) MetricSampleInterval() time.Duration {
	return time.Duration(c.MetricSampleIntervalMS) * time.Millisecond
}

func (c *Config) LogFlushInterval() time.Duration {
	return time.Duration(c.LogFlushIntervalMS) * time.Millisecond
}

func (c *Config) RetentionMaxAgeDuration() time.Duration {
	d, _ := ParseDuration(c.RetentionMaxAge)
	return d
}

// WatchConfig live-reloads the config file on change, adapted from
// cronmon/watcher.go's fsnotify goroutine (there: watching a scripts
// directory for process-list changes; here: watching one file for
// configuration changes). On successful reparse, onReload is called with
// the new Config; WatchConfig itself emits no event. On a reparse error
// the previous Config is kept and a warning is logged instead of crashing
// the daemon.
func WatchConfig(ctx context.Context, path string, logger *zap.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create config watcher")
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return errors.Wrap(err, "failed to watch config file")
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))

			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Warn("config reload failed, keeping previous config",
						zap.String("path", path), zap.Error(err))
					continue
				}

				onReload(cfg)
			}
		}
	}()

	return nil
}
