package scheduler

import "time"

// Config holds the execution knobs for a scheduler instance.
type Config struct {
	// MaxConcurrentSteps caps how many steps of one workflow run at once.
	MaxConcurrentSteps int `yaml:"max_concurrent_steps" json:"max_concurrent_steps"`

	// MaxRetries bounds execution attempts per step: a step runs at most
	// MaxRetries times before it is marked failed.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// RetryBackoffBase is the delay before the first retry; each further
	// retry doubles it.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base" json:"retry_backoff_base"`

	// RetryBackoffMax caps the exponential backoff delay.
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max" json:"retry_backoff_max"`

	// StepTimeout bounds each step attempt. Zero disables the deadline.
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout"`

	// WorkflowTimeout bounds the whole run. Zero disables the deadline.
	WorkflowTimeout time.Duration `yaml:"workflow_timeout" json:"workflow_timeout"`
}

// DefaultConfig returns the stock execution settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSteps: 5,
		MaxRetries:         3,
		RetryBackoffBase:   time.Second,
		RetryBackoffMax:    30 * time.Second,
		StepTimeout:        60 * time.Second,
		WorkflowTimeout:    0,
	}
}

// withDefaults fills zero fields from DefaultConfig. Timeouts are left as
// given: zero is a valid "no deadline" setting.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrentSteps <= 0 {
		c.MaxConcurrentSteps = def.MaxConcurrentSteps
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = def.RetryBackoffBase
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = def.RetryBackoffMax
	}
	return c
}

// backoffDelay computes the delay before the next attempt given how many
// attempts have already run: base doubles per prior retry, capped at max.
func (c Config) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := c.RetryBackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.RetryBackoffMax {
			return c.RetryBackoffMax
		}
	}
	if delay > c.RetryBackoffMax {
		return c.RetryBackoffMax
	}
	return delay
}
