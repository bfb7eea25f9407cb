package scheduler

import (
	"time"

	"github.com/teranos/agentdeploy/errors"
)

// Config contains configuration for the scheduler.
type Config struct {
	Workers           int           `json:"workers"`            // concurrent pipeline executions
	PollInterval      time.Duration `json:"poll_interval"`      // how often idle slots look for work
	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // how often a slot refreshes its lease
	StaleAfter        time.Duration `json:"stale_after"`        // lease age after which a job is recovered
	MaxRecoveries     int           `json:"max_recoveries"`     // resumes before an orphaned job is failed
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`   // how long Stop waits for slots
	MinFreeMemoryMB   uint64        `json:"min_free_memory_mb"` // slots stop claiming below this (0 disables)
	MemoryPerSlotMB   uint64        `json:"memory_per_slot_mb"` // used for the startup memory warning
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		PollInterval:      time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleAfter:        time.Minute,
		MaxRecoveries:     2,
		ShutdownTimeout:   30 * time.Second,
		MemoryPerSlotMB:   512,
	}
}

// Validate rejects settings the scheduler cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Workers < 0:
		return errors.Newf("scheduler.workers must not be negative (got %d)", c.Workers)
	case c.PollInterval <= 0:
		return errors.Newf("scheduler.poll_interval must be positive (got %s)", c.PollInterval)
	case c.HeartbeatInterval <= 0:
		return errors.Newf("scheduler.heartbeat_interval must be positive (got %s)", c.HeartbeatInterval)
	case c.StaleAfter <= c.HeartbeatInterval:
		return errors.Newf("scheduler.stale_after (%s) must exceed heartbeat_interval (%s)", c.StaleAfter, c.HeartbeatInterval)
	case c.MaxRecoveries < 0:
		return errors.Newf("scheduler.max_recoveries must not be negative (got %d)", c.MaxRecoveries)
	}
	return nil
}
