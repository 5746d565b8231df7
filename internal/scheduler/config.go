package scheduler

import (
	"time"
)

// Config controls scheduler intervals and job timeouts.
type Config struct {
	RunInterval time.Duration
	RunHour     int
	JobTimeout  time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 24 * time.Hour,
		RunHour:     2,
		JobTimeout:  10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RunHour < 0 || c.RunHour > 23 {
		c.RunHour = defaults.RunHour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
