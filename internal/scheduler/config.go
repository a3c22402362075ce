package scheduler

import (
	"time"

	"github.com/smallbiznis/meterledger/internal/config"
)

// Config controls sweep intervals and batch sizes.
type Config struct {
	Enabled     bool
	RunInterval time.Duration
	JobTimeout  time.Duration
	BatchSize   int
	// LockTTL bounds how long one replica holds a sweep lock.
	LockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		RunInterval: time.Minute,
		JobTimeout:  30 * time.Second,
		BatchSize:   500,
		LockTTL:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.RunInterval
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.Scheduler.Enabled,
		RunInterval: cfg.Scheduler.Interval,
		JobTimeout:  cfg.Scheduler.JobTimeout,
		BatchSize:   cfg.Scheduler.BatchSize,
	}
}
