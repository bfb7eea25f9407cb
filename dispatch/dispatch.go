// Package dispatch tells schedulers that a job was queued, so they claim it
// without waiting for their next poll. Notifications are hints: a lost one
// only delays the job until the next poll.
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/logger"
)

// Notifier announces newly queued jobs.
type Notifier interface {
	NotifyQueued(ctx context.Context, jobID string) error
}

// Waker is anything that can be nudged to look for work, typically a
// *scheduler.Scheduler.
type Waker interface {
	Wake()
}

// Local wakes schedulers running in this process.
type Local struct {
	mu     sync.RWMutex
	wakers []Waker
}

func NewLocal(wakers ...Waker) *Local {
	return &Local{wakers: wakers}
}

// Add registers another waker.
func (l *Local) Add(w Waker) {
	l.mu.Lock()
	l.wakers = append(l.wakers, w)
	l.mu.Unlock()
}

func (l *Local) NotifyQueued(context.Context, string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, w := range l.wakers {
		w.Wake()
	}
	return nil
}

// Multi fans a notification out to several notifiers. Every notifier is
// tried; their errors are combined.
type Multi []Notifier

func (m Multi) NotifyQueued(ctx context.Context, jobID string) error {
	var errs error
	for _, n := range m {
		if err := n.NotifyQueued(ctx, jobID); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// Logged wraps a notifier so failures are logged and swallowed.
type Logged struct {
	Notifier Notifier
	Logger   *zap.SugaredLogger
}

func (l Logged) NotifyQueued(ctx context.Context, jobID string) error {
	if err := l.Notifier.NotifyQueued(ctx, jobID); err != nil && l.Logger != nil {
		logger.AddFeedSymbol(l.Logger).Warnw("Queued notification failed, schedulers will poll",
			logger.FieldJobID, jobID,
			logger.FieldError, err,
		)
	}
	return nil
}
