// Package logsink stores the full per-job log.
//
// The job record only keeps a short tail; the sink keeps every line, in
// append order, for post-hoc retrieval after the job has finished.
package logsink

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/logger"
)

// DefaultWriteTimeout bounds a single append in BestEffort.
const DefaultWriteTimeout = 2 * time.Second

// Sink is durable, append-only per-job log storage.
type Sink interface {
	// Append stores one line. Lines of one job are returned in append order.
	Append(ctx context.Context, jobID string, entry deployment.LogEntry) error
	// ReadAll returns the rendered log. It fails with errors.ErrNotFound when
	// the job has no lines yet.
	ReadAll(ctx context.Context, jobID string) (string, error)
}

// BestEffort wraps a Sink so that appends never take longer than the write
// timeout and never return an error. Failures are logged and counted.
type BestEffort struct {
	sink    Sink
	timeout time.Duration
	logger  *zap.SugaredLogger
	failed  atomic.Int64
}

// NewBestEffort wraps sink. A zero timeout uses DefaultWriteTimeout.
func NewBestEffort(sink Sink, timeout time.Duration, log *zap.SugaredLogger) *BestEffort {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &BestEffort{sink: sink, timeout: timeout, logger: logger.AddStoreSymbol(log)}
}

// Append writes entry, giving up after the write timeout.
func (b *BestEffort) Append(ctx context.Context, jobID string, entry deployment.LogEntry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.sink.Append(ctx, jobID, entry) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		b.failed.Add(1)
		b.logger.Warnw("Log write failed, continuing",
			logger.FieldJobID, jobID,
			logger.FieldStage, entry.Stage,
			logger.FieldError, err,
		)
	}
	return nil
}

// ReadAll passes through to the wrapped sink.
func (b *BestEffort) ReadAll(ctx context.Context, jobID string) (string, error) {
	return b.sink.ReadAll(ctx, jobID)
}

// Failures returns how many appends were dropped.
func (b *BestEffort) Failures() int64 {
	return b.failed.Load()
}
