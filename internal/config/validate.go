package config

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Storage.Path == "" {
		result = multierror.Append(result, fmt.Errorf("storage.path must be set"))
	}

	if c.Monitor.Interval.Std() < minInterval {
		result = multierror.Append(result, fmt.Errorf("monitor.interval must be at least %s, got %s", minInterval, c.Monitor.Interval))
	}
	if c.Monitor.TaskTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("monitor.task_timeout must be positive, got %s", c.Monitor.TaskTimeout))
	}
	if c.Monitor.HeartbeatTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("monitor.heartbeat_timeout must be positive, got %s", c.Monitor.HeartbeatTimeout))
	}
	if c.Monitor.MaxJobRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("monitor.max_job_retries must not be negative, got %d", c.Monitor.MaxJobRetries))
	}
	if c.Monitor.BatchSize < 0 {
		result = multierror.Append(result, fmt.Errorf("monitor.batch_size must not be negative, got %d", c.Monitor.BatchSize))
	}

	if c.Retry.InitialInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("retry.initial_interval must be positive, got %s", c.Retry.InitialInterval))
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		result = multierror.Append(result, fmt.Errorf("retry.max_interval (%s) is below retry.initial_interval (%s)", c.Retry.MaxInterval, c.Retry.InitialInterval))
	}
	if c.Retry.Multiplier < 1 {
		result = multierror.Append(result, fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier))
	}
	if c.Retry.RandomizationFactor < 0 || c.Retry.RandomizationFactor > 1 {
		result = multierror.Append(result, fmt.Errorf("retry.randomization_factor must be within [0, 1], got %g", c.Retry.RandomizationFactor))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format))
	}

	return result.ErrorOrNil()
}

// ConfigureLogger applies the log section to logger.
func (c *Config) ConfigureLogger(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	switch c.Log.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
