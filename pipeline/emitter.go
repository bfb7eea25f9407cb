package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/logger"
)

// emitter turns collaborator output into log sink lines and throttled
// job record updates (log_tail and interpolated progress).
type emitter struct {
	x *execution

	mu        sync.Mutex
	stage     deployment.Status
	pending   []deployment.LogEntry
	done      int
	total     int
	stepDirty bool
	lastFlush time.Time
	flushErr  error
}

func newEmitter(x *execution) *emitter {
	return &emitter{x: x, lastFlush: time.Now()}
}

// setStage points subsequent output at stage.
func (e *emitter) setStage(stage deployment.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stage = stage
	e.done, e.total, e.stepDirty = 0, 0, false
}

// record writes a line to the sink and queues it for the log tail.
func (e *emitter) record(level, line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	e.mu.Lock()
	entry := deployment.NewLogEntry(e.stage, level, line)
	e.pending = append(e.pending, entry)
	e.mu.Unlock()

	// The sink wrapper bounds and swallows failures.
	_ = e.x.exec.sink.Append(e.x.ctx, e.x.run.JobID, entry)
}

// Log implements Events.
func (e *emitter) Log(line string) {
	e.record(deployment.LevelInfo, line)
	e.maybeFlush()
}

// Step implements Events.
func (e *emitter) Step(done, total int) {
	e.mu.Lock()
	if total > 0 && (done != e.done || total != e.total) {
		e.done, e.total = done, total
		e.stepDirty = true
	}
	e.mu.Unlock()
	e.maybeFlush()
}

// takePending hands the queued tail entries to a store write.
func (e *emitter) takePending() []deployment.LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pending
	e.pending = nil
	e.lastFlush = time.Now()
	return p
}

func (e *emitter) maybeFlush() {
	e.mu.Lock()
	due := time.Since(e.lastFlush) >= e.x.cfg.FlushInterval && (len(e.pending) > 0 || e.stepDirty)
	e.mu.Unlock()
	if due {
		e.flush()
	}
}

// flush writes queued output into the job record. Errors are kept for the
// executor, which checks them at its next write.
func (e *emitter) flush() {
	e.mu.Lock()
	stage, done, total, dirty := e.stage, e.done, e.total, e.stepDirty
	e.stepDirty = false
	e.mu.Unlock()

	_, err := e.x.update(func(j *deployment.Job) error {
		if dirty && j.Status == stage {
			return j.StageProgressed(stage, done, total, "")
		}
		return nil
	})
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || e.x.ctx.Err() != nil {
		return
	}
	e.x.log.Warnw("Failed to flush stage progress",
		logger.FieldStage, stage,
		logger.FieldError, err,
	)
	e.mu.Lock()
	if e.flushErr == nil {
		e.flushErr = err
	}
	e.mu.Unlock()
}

// err returns the first flush failure, if any.
func (e *emitter) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushErr
}
