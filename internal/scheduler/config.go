package scheduler

import (
	"time"
)

// Config controls scheduler intervals, batch sizes and daily gating.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	// ApplyHour and SyncHour are local-time hours before which the daily
	// jobs do not fire.
	ApplyHour   int
	SyncHour    int
	EnabledJobs []string
	Disabled    bool
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Hour,
		BatchSize:   100,
		ApplyHour:   2,
		SyncHour:    3,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ApplyHour < 0 || c.ApplyHour > 23 {
		c.ApplyHour = defaults.ApplyHour
	}
	if c.SyncHour < 0 || c.SyncHour > 23 {
		c.SyncHour = defaults.SyncHour
	}
	return c
}
