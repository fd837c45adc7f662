package scheduler

import (
	"time"

	"github.com/smallbiznis/pixwatch/internal/config"
)

// Config controls how often pending records are swept and how far back.
type Config struct {
	Enabled      bool
	RunInterval  time.Duration
	ResumeWindow time.Duration
	BatchSize    int
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		RunInterval:  time.Minute,
		ResumeWindow: 30 * time.Minute,
		BatchSize:    50,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:      cfg.Resume.Enabled,
		RunInterval:  cfg.Resume.Interval,
		ResumeWindow: cfg.Resume.Window,
		BatchSize:    cfg.Resume.BatchSize,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = defaults.ResumeWindow
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	return c
}
