package pipeline

import (
	"time"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
)

// Config tunes stage behaviour. It can be swapped at runtime with
// Executor.SetConfig; a running job picks the new values up at its next stage.
type Config struct {
	BuildMaxAttempts int           // attempts per build, including the first
	BackoffBase      time.Duration // wait before the second attempt
	BackoffMax       time.Duration // cap on the exponential wait
	ProbeInterval    time.Duration // spacing between health probes
	MaxProbes        int           // probe budget for verifying
	HealthTimeout    time.Duration // wall clock budget for verifying
	LogTailSize      int           // entries kept in the job record
	FlushInterval    time.Duration // minimum spacing of collaborator progress writes
	CleanupTimeout   time.Duration // bound on best-effort cleanup after cancel
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BuildMaxAttempts: 3,
		BackoffBase:      2 * time.Second,
		BackoffMax:       30 * time.Second,
		ProbeInterval:    5 * time.Second,
		MaxProbes:        24,
		HealthTimeout:    2 * time.Minute,
		LogTailSize:      deployment.DefaultLogTailSize,
		FlushInterval:    500 * time.Millisecond,
		CleanupTimeout:   30 * time.Second,
	}
}

// Validate rejects settings the executor cannot run with.
func (c Config) Validate() error {
	switch {
	case c.BuildMaxAttempts < 1:
		return errors.Newf("pipeline.build_max_attempts must be at least 1 (got %d)", c.BuildMaxAttempts)
	case c.BackoffBase < 0:
		return errors.Newf("pipeline.backoff_base must not be negative (got %s)", c.BackoffBase)
	case c.BackoffMax < c.BackoffBase:
		return errors.Newf("pipeline.backoff_max (%s) must not be below backoff_base (%s)", c.BackoffMax, c.BackoffBase)
	case c.ProbeInterval < 0:
		return errors.Newf("pipeline.probe_interval must not be negative (got %s)", c.ProbeInterval)
	case c.MaxProbes < 1:
		return errors.Newf("pipeline.max_probes must be at least 1 (got %d)", c.MaxProbes)
	case c.HealthTimeout <= 0:
		return errors.Newf("pipeline.health_timeout must be positive (got %s)", c.HealthTimeout)
	case c.LogTailSize < 1:
		return errors.Newf("pipeline.log_tail_size must be at least 1 (got %d)", c.LogTailSize)
	case c.FlushInterval < 0:
		return errors.Newf("pipeline.flush_interval must not be negative (got %s)", c.FlushInterval)
	}
	return nil
}

// Backoff is the wait after failed attempt n (1-based): base * 2^(n-1),
// capped at BackoffMax.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 || c.BackoffBase <= 0 {
		return 0
	}
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}
