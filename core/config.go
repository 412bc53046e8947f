package core

import (
	"fmt"
	"strings"
	"time"
)

type ScannerConfig struct {
	Interval             time.Duration `koanf:"interval" mapstructure:"interval"`
	BatchSize            int           `koanf:"batch_size" mapstructure:"batch_size"`
	Concurrency          int           `koanf:"concurrency" mapstructure:"concurrency"`
	StaleProcessingAfter time.Duration `koanf:"stale_processing_after" mapstructure:"stale_processing_after"`
}

type RetentionConfig struct {
	Delivered  time.Duration `koanf:"delivered" mapstructure:"delivered"`
	Abandoned  time.Duration `koanf:"abandoned" mapstructure:"abandoned"`
	DeadLetter time.Duration `koanf:"dead_letter" mapstructure:"dead_letter"`
}

type Config struct {
	ServiceName        string          `koanf:"service_name" mapstructure:"service_name"`
	MaxRetries         int             `koanf:"max_retries" mapstructure:"max_retries"`
	RetryLadderSeconds []int           `koanf:"retry_ladder_seconds" mapstructure:"retry_ladder_seconds"`
	IdempotencyTTL     time.Duration   `koanf:"idempotency_ttl" mapstructure:"idempotency_ttl"`
	ProcessorTimeout   time.Duration   `koanf:"processor_timeout" mapstructure:"processor_timeout"`
	Scanner            ScannerConfig   `koanf:"scanner" mapstructure:"scanner"`
	Retention          RetentionConfig `koanf:"retention" mapstructure:"retention"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:        "webhook-reliability",
		MaxRetries:         DefaultMaxRetries,
		RetryLadderSeconds: []int{60, 300, 900, 3600, 14400},
		IdempotencyTTL:     24 * time.Hour,
		ProcessorTimeout:   5 * time.Minute,
		Scanner: ScannerConfig{
			Interval:             time.Minute,
			BatchSize:            100,
			Concurrency:          4,
			StaleProcessingAfter: 10 * time.Minute,
		},
		Retention: RetentionConfig{
			Delivered:  7 * 24 * time.Hour,
			Abandoned:  30 * 24 * time.Hour,
			DeadLetter: 30 * 24 * time.Hour,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("core: max_retries must be >= 0")
	}
	for i, seconds := range c.RetryLadderSeconds {
		if seconds <= 0 {
			return fmt.Errorf("core: retry_ladder_seconds[%d] must be positive", i)
		}
	}
	if c.IdempotencyTTL < 0 {
		return fmt.Errorf("core: idempotency_ttl must be >= 0")
	}
	if c.ProcessorTimeout < 0 {
		return fmt.Errorf("core: processor_timeout must be >= 0")
	}
	if c.Scanner.BatchSize < 0 {
		return fmt.Errorf("core: scanner.batch_size must be >= 0")
	}
	if c.Scanner.Concurrency < 0 {
		return fmt.Errorf("core: scanner.concurrency must be >= 0")
	}
	return nil
}

// RetryLadder converts the configured ladder into policy delays, falling
// back to DefaultRetryLadder when unset.
func (c Config) RetryLadder() []time.Duration {
	if len(c.RetryLadderSeconds) == 0 {
		return append([]time.Duration(nil), DefaultRetryLadder...)
	}
	delays := make([]time.Duration, 0, len(c.RetryLadderSeconds))
	for _, seconds := range c.RetryLadderSeconds {
		delays = append(delays, time.Duration(seconds)*time.Second)
	}
	return delays
}
