package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// StorageConfig locates the job store.
type StorageConfig struct {
	Path string `json:"path"` // SQLite database file; ":memory:" for a throwaway store
}

// MonitorConfig configures the liveness and retry sweeps.
type MonitorConfig struct {
	Interval         Duration `json:"interval"`
	TaskTimeout      Duration `json:"task_timeout"`
	HeartbeatTimeout Duration `json:"heartbeat_timeout"`
	MaxJobRetries    int      `json:"max_job_retries"`
	BatchSize        int      `json:"batch_size"` // Items per sweep; 0 means no limit
}

// RetryConfig configures exponential backoff for storage calls.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

type LogConfig struct {
	Level  string `json:"level"`  // logrus level name
	Format string `json:"format"` // "text" or "json"
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty"` // Prometheus listen address; empty disables
}

// Config is the top-level configuration.
type Config struct {
	Storage StorageConfig `json:"storage"`
	Monitor MonitorConfig `json:"monitor"`
	Retry   RetryConfig   `json:"retry"`
	Log     LogConfig     `json:"log"`
	Metrics MetricsConfig `json:"metrics"`
}
