package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"

	"github.com/aristath/spider/internal/monitor"
)

// DefaultConfig returns the built-in configuration. The store lives under
// the XDG data directory.
func DefaultConfig() *Config {
	mon := monitor.DefaultConfig()
	return &Config{
		Storage: StorageConfig{
			Path: filepath.Join(xdg.DataHome, "spider", "spider.db"),
		},
		Monitor: MonitorConfig{
			Interval:         Duration(mon.Interval),
			TaskTimeout:      Duration(mon.TaskTimeout),
			HeartbeatTimeout: Duration(mon.HeartbeatTimeout),
			MaxJobRetries:    mon.MaxJobRetries,
			BatchSize:        mon.BatchSize,
		},
		Retry: RetryConfig{
			InitialInterval:     Duration(mon.Retry.InitialInterval),
			MaxInterval:         Duration(mon.Retry.MaxInterval),
			MaxElapsedTime:      Duration(mon.Retry.MaxElapsedTime),
			Multiplier:          mon.Retry.Multiplier,
			RandomizationFactor: mon.Retry.RandomizationFactor,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// MonitorConfig converts the monitor and retry sections.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:         c.Monitor.Interval.Std(),
		TaskTimeout:      c.Monitor.TaskTimeout.Std(),
		HeartbeatTimeout: c.Monitor.HeartbeatTimeout.Std(),
		MaxJobRetries:    c.Monitor.MaxJobRetries,
		BatchSize:        c.Monitor.BatchSize,
		Retry: monitor.RetryConfig{
			InitialInterval:     c.Retry.InitialInterval.Std(),
			MaxInterval:         c.Retry.MaxInterval.Std(),
			MaxElapsedTime:      c.Retry.MaxElapsedTime.Std(),
			Multiplier:          c.Retry.Multiplier,
			RandomizationFactor: c.Retry.RandomizationFactor,
		},
	}
}

// minInterval keeps a misconfigured monitor from spinning.
const minInterval = 10 * time.Millisecond
