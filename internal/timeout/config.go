package timeout

import (
	"math"
	"time"
)

// Config bounds one Execute call.
type Config struct {
	// BaseTimeout is the initial budget of each attempt.
	BaseTimeout time.Duration `mapstructure:"base_timeout"`
	// MaxTimeout caps how far progress reports may extend an attempt,
	// measured from the attempt's start.
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int `mapstructure:"max_retries"`
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffFactor multiplies the delay on each further retry.
	BackoffFactor float64 `mapstructure:"backoff_factor"`
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max"`
	// PartialResultThreshold is the completed/total fraction at which an
	// exhausted operation may still be accepted as a partial result. Zero
	// means the default; AcceptAnyProgress accepts any non-zero progress.
	PartialResultThreshold float64 `mapstructure:"partial_result_threshold"`
}

// AcceptAnyProgress as PartialResultThreshold accepts a partial result as
// soon as any unit of work has been reported done.
const AcceptAnyProgress = -1.0

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		BaseTimeout:            30 * time.Second,
		MaxTimeout:             5 * time.Minute,
		MaxRetries:             3,
		BackoffBase:            time.Second,
		BackoffFactor:          2,
		BackoffMax:             30 * time.Second,
		PartialResultThreshold: 0.8,
	}
}

// Normalize fills zero fields from DefaultConfig and clamps the rest into
// range. MaxRetries of zero is kept; a negative value becomes zero.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = d.BaseTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.MaxTimeout < c.BaseTimeout {
		c.MaxTimeout = c.BaseTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	switch {
	case c.PartialResultThreshold < 0:
		c.PartialResultThreshold = AcceptAnyProgress
	case c.PartialResultThreshold == 0:
		c.PartialResultThreshold = d.PartialResultThreshold
	}
	if c.PartialResultThreshold > 1 {
		c.PartialResultThreshold = 1
	}
	return c
}

// Backoff returns the delay before retry number attempt+1, where attempt
// counts from zero: min(BackoffBase * BackoffFactor^attempt, BackoffMax).
func (c Config) Backoff(attempt int) time.Duration {
	d := float64(c.BackoffBase) * math.Pow(c.BackoffFactor, float64(attempt))
	if d > float64(c.BackoffMax) || math.IsInf(d, 0) || math.IsNaN(d) {
		return c.BackoffMax
	}
	return time.Duration(d)
}
