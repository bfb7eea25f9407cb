// Package fanout pushes committed job snapshots to any number of observers.
//
// A subscription always starts with the current snapshot, then receives
// every later commit in order. Each subscriber has its own bounded buffer;
// when a slow reader lets it fill up the oldest pending snapshot is dropped,
// so a reader that falls behind still ends on the newest state.
package fanout

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/logger"
)

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 16

// Loader reads the current committed snapshot of a job.
type Loader func(ctx context.Context, jobID string) (*deployment.Job, error)

// Hub distributes job snapshots to subscribers keyed by job ID.
// It satisfies jobstore.Notifier.
type Hub struct {
	load   Loader
	buffer int
	logger *zap.SugaredLogger

	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	closed bool
}

// NewHub creates a hub that uses load to produce the initial snapshot.
func NewHub(load Loader, buffer int, log *zap.SugaredLogger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		load:   load,
		buffer: buffer,
		logger: log,
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription is one observer of one job.
type Subscription struct {
	hub   *Hub
	jobID string
	ch    chan *deployment.Job
	last  int64 // highest version queued to ch, guarded by hub.mu
	done  bool  // ch closed, guarded by hub.mu
	once  sync.Once
}

// C delivers snapshots. It is closed after the terminal snapshot, on Close,
// and when the hub shuts down.
func (s *Subscription) C() <-chan *deployment.Job {
	return s.ch
}

// JobID returns the observed job.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Close unsubscribes. Safe to call more than once and from any goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		s.hub.removeLocked(s)
	})
}

// Subscribe registers an observer for jobID. The current snapshot is already
// queued on the returned subscription. Errors from the loader (including
// NotFound for unknown jobs) are returned as is.
func (h *Hub) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Loading under the hub lock orders the snapshot against concurrent
	// publishes: anything committed after it carries a higher version.
	snapshot, err := h.load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		hub:   h,
		jobID: jobID,
		ch:    make(chan *deployment.Job, h.buffer),
		last:  snapshot.Version,
	}
	sub.ch <- snapshot.Clone()

	if h.closed || snapshot.Status.IsTerminal() {
		sub.done = true
		close(sub.ch)
		return sub, nil
	}

	subs := h.topics[jobID]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		h.topics[jobID] = subs
	}
	subs[sub] = struct{}{}

	logger.AddFeedSymbol(h.logger).Debugw("Subscribed",
		logger.FieldJobID, jobID,
		"version", snapshot.Version,
		logger.FieldCount, len(subs),
	)
	return sub, nil
}

// Publish pushes a committed snapshot to every subscriber of its job.
// Snapshots at or below a subscriber's last seen version are skipped.
// Publish never blocks on a subscriber.
func (h *Hub) Publish(job *deployment.Job) {
	if job == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.topics[job.ID]
	if len(subs) == 0 {
		return
	}
	terminal := job.Status.IsTerminal()
	for sub := range subs {
		if job.Version <= sub.last {
			continue
		}
		if !sub.offer(job.Clone()) {
			h.logger.Debugw("Dropped oldest snapshot for slow subscriber",
				logger.FieldJobID, job.ID,
				"version", job.Version,
			)
		}
		sub.last = job.Version
		if terminal {
			h.removeLocked(sub)
		}
	}
}

// offer queues job, evicting the oldest queued snapshot when the buffer is
// full. Reports false when something was evicted.
func (s *Subscription) offer(job *deployment.Job) bool {
	select {
	case s.ch <- job:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- job:
	default:
	}
	return false
}

func (h *Hub) removeLocked(sub *Subscription) {
	if subs := h.topics[sub.jobID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.jobID)
		}
	}
	if !sub.done {
		sub.done = true
		close(sub.ch)
	}
}

// Poll reloads every subscribed job each interval and publishes snapshots
// newer than what subscribers have seen. It picks up commits made by other
// processes sharing the database when no Redis bridge carries them, and
// returns when ctx is done.
func (h *Hub) Poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refresh(ctx)
		}
	}
}

func (h *Hub) refresh(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.topics))
	for id := range h.topics {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		job, err := h.load(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Debugw("Feed poll failed", logger.FieldJobID, id, "error", err)
			continue
		}
		h.Publish(job)
	}
}

// Subscribers returns the number of live subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[jobID])
}

// Close ends every subscription. Later subscriptions receive only their
// initial snapshot.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, subs := range h.topics {
		for sub := range subs {
			h.removeLocked(sub)
		}
	}
}
