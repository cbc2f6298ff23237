package webhook

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lettermill/webhook/delivery"
)

// Config holds the configuration for a Hub instance.
type Config struct {
	// Concurrency is the number of delivery worker goroutines.
	Concurrency int

	// PollInterval is how often the dispatch loop checks for due deliveries.
	PollInterval time.Duration

	// BatchSize is the maximum number of deliveries dequeued per poll cycle.
	BatchSize int

	// RequestTimeout is the HTTP timeout per delivery attempt.
	RequestTimeout time.Duration

	// MaxAttempts is the number of attempts before a delivery is abandoned.
	MaxAttempts int

	// RetrySchedule defines the backoff intervals between retry attempts.
	RetrySchedule []time.Duration

	// CaptureLimit bounds the stored response body excerpt, in characters.
	CaptureLimit int

	// ShutdownTimeout is the maximum time to wait for in-flight deliveries
	// on shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with production defaults: a 30-second poll
// over batches of 100, five attempts spaced 1/5/15/60/240 minutes apart.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		PollInterval:    30 * time.Second,
		BatchSize:       100,
		RequestTimeout:  30 * time.Second,
		MaxAttempts:     5,
		RetrySchedule:   delivery.DefaultSchedule,
		CaptureLimit:    delivery.DefaultCaptureLimit,
		ShutdownTimeout: 30 * time.Second,
	}
}

// fileConfig is the YAML form of Config. Durations are Go duration strings
// ("30s", "5m"). Zero-valued fields keep their defaults.
type fileConfig struct {
	Concurrency     int      `yaml:"concurrency"`
	PollInterval    string   `yaml:"poll_interval"`
	BatchSize       int      `yaml:"batch_size"`
	RequestTimeout  string   `yaml:"request_timeout"`
	MaxAttempts     int      `yaml:"max_attempts"`
	RetrySchedule   []string `yaml:"retry_schedule"`
	CaptureLimit    int      `yaml:"capture_limit"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
}

// LoadConfig reads a YAML config file and merges it over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("webhook: read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("webhook: parse config: %w", err)
	}

	cfg := DefaultConfig()
	if fc.Concurrency > 0 {
		cfg.Concurrency = fc.Concurrency
	}
	if fc.BatchSize > 0 {
		cfg.BatchSize = fc.BatchSize
	}
	if fc.MaxAttempts > 0 {
		cfg.MaxAttempts = fc.MaxAttempts
	}
	if fc.CaptureLimit > 0 {
		cfg.CaptureLimit = fc.CaptureLimit
	}
	if fc.PollInterval != "" {
		if cfg.PollInterval, err = parseDuration("poll_interval", fc.PollInterval); err != nil {
			return Config{}, err
		}
	}
	if fc.RequestTimeout != "" {
		if cfg.RequestTimeout, err = parseDuration("request_timeout", fc.RequestTimeout); err != nil {
			return Config{}, err
		}
	}
	if fc.ShutdownTimeout != "" {
		if cfg.ShutdownTimeout, err = parseDuration("shutdown_timeout", fc.ShutdownTimeout); err != nil {
			return Config{}, err
		}
	}
	if len(fc.RetrySchedule) > 0 {
		schedule := make([]time.Duration, 0, len(fc.RetrySchedule))
		for _, s := range fc.RetrySchedule {
			d, err := parseDuration("retry_schedule", s)
			if err != nil {
				return Config{}, err
			}
			schedule = append(schedule, d)
		}
		cfg.RetrySchedule = schedule
	}

	return cfg, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("webhook: config field %s: %w", field, err)
	}
	return d, nil
}
