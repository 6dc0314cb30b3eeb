package queue

import (
	"time"

	"github.com/ternarybob/hearth/internal/common"
)

// Config holds retry and retention settings for the queue
type Config struct {
	Name               string
	Attempts           int           // Deliveries before an entry is dead-lettered
	Backoff            time.Duration // Base delay, doubled per failed attempt
	VisibilityTimeout  time.Duration // Lease length; an unfinished lease is redelivered
	KeepCompletedAge   time.Duration
	KeepCompletedCount int
	KeepFailedAge      time.Duration
	KeepFailedCount    int
}

// NewDefaultConfig returns the defaults of the generation queue
func NewDefaultConfig() Config {
	return NewConfig(common.NewDefaultConfig().Queue)
}

// NewConfig converts the TOML queue section
func NewConfig(c common.QueueConfig) Config {
	cfg := Config{
		Name:               c.Name,
		Attempts:           c.Attempts,
		Backoff:            common.ParseDuration(c.Backoff, 5*time.Second),
		VisibilityTimeout:  common.ParseDuration(c.VisibilityTimeout, 10*time.Minute),
		KeepCompletedAge:   common.ParseDuration(c.KeepCompletedAge, time.Hour),
		KeepCompletedCount: c.KeepCompletedCount,
		KeepFailedAge:      common.ParseDuration(c.KeepFailedAge, 24*time.Hour),
		KeepFailedCount:    c.KeepFailedCount,
	}
	if cfg.Name == "" {
		cfg.Name = "batch-generation-queue"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.KeepCompletedCount <= 0 {
		cfg.KeepCompletedCount = 100
	}
	if cfg.KeepFailedCount <= 0 {
		cfg.KeepFailedCount = 1000
	}
	return cfg
}

// BackoffFor returns the delay before redelivery after the given number of failed attempts
func (c Config) BackoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := c.Backoff
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
