// Package scheduler runs deployment jobs on a bounded number of slots.
//
// Each slot claims the oldest claimable job from the store (FIFO by
// creation), keeps its lease alive with heartbeats while the pipeline runs,
// and releases it afterwards. Jobs whose holder stopped heartbeating are
// claimable again once the lease is stale; the executor decides how they
// resume.
package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/db"
	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/jobstore"
	"github.com/teranos/agentdeploy/logger"
	"github.com/teranos/agentdeploy/pipeline"
)

// Store is the part of the job store the scheduler needs.
type Store interface {
	Claim(ctx context.Context, owner string, staleBefore time.Time) (*deployment.Job, jobstore.Lease, error)
	Heartbeat(ctx context.Context, id string, lease jobstore.Lease) error
	Release(ctx context.Context, id string, lease jobstore.Lease) error
}

// Executor runs one claimed job.
type Executor interface {
	Execute(ctx context.Context, run pipeline.Run) error
}

// releaseTimeout bounds lease release after a job, including during shutdown.
const releaseTimeout = 5 * time.Second

// schedLogger adds startup and shutdown markers to the scheduler's log lines.
type schedLogger struct {
	*zap.SugaredLogger
}

func (l schedLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddStartSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

func (l schedLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddStopSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

func (l schedLogger) Pulse(msg string, keysAndValues ...interface{}) {
	logger.AddSchedulerSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// running is a job executing on one of this scheduler's slots.
type running struct {
	cancel chan struct{}
	once   sync.Once
}

func (r *running) signal() {
	r.once.Do(func() { close(r.cancel) })
}

// Scheduler owns the worker slots of one process.
type Scheduler struct {
	store    Store
	exec     Executor
	cfg      Config
	owner    string
	logger   schedLogger
	memStats memoryStats

	wake chan struct{}

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	jobs    map[string]*running
	started bool
}

// New creates a scheduler. Its owner id is unique per process and shows up
// in the job records it claims.
func New(store Store, exec Executor, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	owner := host + "-" + uuid.NewString()[:8]
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		store:    store,
		exec:     exec,
		cfg:      cfg,
		owner:    owner,
		logger:   schedLogger{log.With(logger.FieldWorkerID, owner)},
		memStats: virtualMemory,
		wake:     make(chan struct{}, workers),
		jobs:     make(map[string]*running),
	}
}

// Owner returns the lease owner id of this scheduler.
func (s *Scheduler) Owner() string { return s.owner }

// Start spawns the slots. They stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if warning := s.memoryWarning(); warning != "" {
		s.logger.Warnw("Memory pressure warning", "warning", warning, "workers", s.cfg.Workers)
	}
	s.logger.Starting("Scheduler started",
		"workers", s.cfg.Workers,
		"poll_interval", s.cfg.PollInterval,
		"stale_after", s.cfg.StaleAfter,
	)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.slot(i)
	}
}

// Stop cancels the slots and waits for them to exit. Interrupted jobs have
// their leases released so another scheduler can resume them right away.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	select {
	case <-done:
		s.logger.Closing("Scheduler stopped, all slots exited")
	case <-time.After(timeout):
		s.logger.Closing("Scheduler stop timed out, slots still draining", "timeout", timeout)
	}
}

// Wake makes idle slots look for work now instead of at the next poll.
func (s *Scheduler) Wake() {
	for i := 0; i < cap(s.wake); i++ {
		select {
		case s.wake <- struct{}{}:
		default:
			return
		}
	}
}

// SignalCancel interrupts a job running on this scheduler at its next
// cancellation checkpoint. It reports whether the job was running here.
func (s *Scheduler) SignalCancel(jobID string) bool {
	s.mu.Lock()
	r, ok := s.jobs[jobID]
	s.mu.Unlock()
	if ok {
		r.signal()
	}
	return ok
}

// Running returns the number of jobs currently executing.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) slot(id int) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	backoff := time.Second
	const maxConsecutiveErrors = 5
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}

		// Drain: keep claiming while work is available.
		for {
			claimed, err := s.runNext(id)
			if err != nil {
				if s.ctx.Err() != nil || db.IsDatabaseClosed(err) {
					return
				}
				errorCount++
				s.logger.Errorw("Slot failed to claim",
					"slot", id,
					logger.FieldError, err,
					"consecutive_errors", errorCount,
				)
				if errorCount >= maxConsecutiveErrors {
					s.logger.Warnw("Slot backing off after consecutive errors",
						"slot", id,
						"backoff", backoff,
					)
					select {
					case <-s.ctx.Done():
						return
					case <-time.After(backoff):
					}
					backoff = min(backoff*2, maxBackoff)
				}
				break
			}
			if errorCount > 0 {
				s.logger.Infow("Slot recovered from errors", "slot", id, "previous_error_count", errorCount)
				errorCount, backoff = 0, time.Second
			}
			if !claimed || s.ctx.Err() != nil {
				break
			}
		}
	}
}

// runNext claims one job and runs it to the end. It reports whether a job
// was claimed.
func (s *Scheduler) runNext(slot int) (bool, error) {
	if s.ctx.Err() != nil {
		return false, nil
	}
	if s.underPressure() {
		s.logger.Debugw("Skipping claim under memory pressure", "slot", slot)
		return false, nil
	}

	job, lease, err := s.store.Claim(s.ctx, s.owner, time.Now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return false, errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		return false, nil
	}

	log := s.logger.With(logger.FieldJobID, job.ID, logger.FieldAgentID, job.AgentID, "slot", slot)
	if job.Status != deployment.StatusQueued {
		logger.AddSchedulerSymbol(log).Warnw("Recovering orphaned job",
			logger.FieldStage, job.Status,
			"recoveries", job.Recoveries,
		)
	} else {
		logger.AddSchedulerSymbol(log).Infow("Claimed job")
	}

	r := &running{cancel: make(chan struct{})}
	s.mu.Lock()
	s.jobs[job.ID] = r
	s.mu.Unlock()

	execCtx, stopExec := context.WithCancel(s.ctx)
	hbDone := make(chan struct{})
	go s.heartbeat(execCtx, job.ID, lease, stopExec, hbDone, log)

	err = s.exec.Execute(execCtx, pipeline.Run{
		JobID:         job.ID,
		Lease:         lease,
		Cancel:        r.cancel,
		MaxRecoveries: s.cfg.MaxRecoveries,
	})
	if errors.Is(err, pipeline.ErrInterrupted) && s.ctx.Err() == nil {
		// Hold the lease, still heartbeating, for one interval so a failing
		// store is not hit by an immediate reclaim.
		log.Infow("Holding interrupted job before release", "delay", s.cfg.HeartbeatInterval)
		select {
		case <-execCtx.Done():
		case <-time.After(s.cfg.HeartbeatInterval):
		}
	}
	stopExec()
	<-hbDone

	s.mu.Lock()
	delete(s.jobs, job.ID)
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrInterrupted) && s.ctx.Err() != nil:
		log.Infow("Job interrupted by shutdown, releasing lease")
	default:
		log.Warnw("Job stopped before a terminal status", logger.FieldError, err)
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), releaseTimeout)
	defer cancel()
	if rerr := s.store.Release(releaseCtx, job.ID, lease); rerr != nil {
		log.Warnw("Failed to release lease", logger.FieldError, rerr)
	}
	return true, nil
}

// heartbeat refreshes the lease until ctx ends. Losing the lease stops the
// execution.
func (s *Scheduler) heartbeat(ctx context.Context, jobID string, lease jobstore.Lease, stop context.CancelFunc, done chan<- struct{}, log *zap.SugaredLogger) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := s.store.Heartbeat(ctx, jobID, lease)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, jobstore.ErrLeaseLost) {
			log.Warnw("Lease lost, stopping execution", logger.FieldError, err)
			stop()
			return
		}
		log.Warnw("Heartbeat failed", logger.FieldError, err)
	}
}
