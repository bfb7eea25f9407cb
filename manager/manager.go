// Package manager is the public entry point of the deployment engine.
//
// It creates job records, announces them to schedulers and serves reads,
// log retrieval, cancellation requests and subscriptions. It never changes
// a job's status or progress after creation; that belongs to the executor
// holding the job's lease.
package manager

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/dispatch"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/fanout"
	"github.com/teranos/agentdeploy/jobstore"
	"github.com/teranos/agentdeploy/logger"
)

// Store is the part of the job store the manager uses.
type Store interface {
	Create(ctx context.Context, job *deployment.Job) error
	Get(ctx context.Context, id string) (*deployment.Job, error)
	List(ctx context.Context, filter jobstore.ListFilter) ([]*deployment.Job, error)
	HasActiveForAgent(ctx context.Context, agentID string) (bool, error)
	RequestCancel(ctx context.Context, id string) (*deployment.Job, error)
}

// LogReader returns the full rendered log of a job.
type LogReader interface {
	ReadAll(ctx context.Context, jobID string) (string, error)
}

// Subscriber opens snapshot streams. *fanout.Hub implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (*fanout.Subscription, error)
}

// Canceller interrupts a job running in this process. *scheduler.Scheduler
// implements it.
type Canceller interface {
	SignalCancel(jobID string) bool
}

// Options are the manager policies.
type Options struct {
	// SerializePerAgent rejects a submit while the agent has a non-terminal job.
	SerializePerAgent bool
	// SubmitRatePerMinute limits submits per requester. Zero disables the limit.
	SubmitRatePerMinute int
}

// Manager accepts and serves deployment jobs.
type Manager struct {
	store  Store
	logs   LogReader
	subs   Subscriber
	opts   Options
	logger *zap.SugaredLogger

	// submitMu makes the per-agent check and the insert atomic in this process
	submitMu sync.Mutex

	mu         sync.Mutex
	notifier   dispatch.Notifier
	cancellers []Canceller
	limiters   map[string]*rate.Limiter
}

// New creates a manager. logs and subs may be nil when the caller never
// reads logs or subscribes (the CLI, for instance).
func New(store Store, logs LogReader, subs Subscriber, opts Options, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		store:    store,
		logs:     logs,
		subs:     subs,
		opts:     opts,
		logger:   log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetNotifier installs the wake-up notifier used after every submit.
// Notification failures are logged and never fail a submit.
func (m *Manager) SetNotifier(n dispatch.Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n == nil {
		m.notifier = nil
		return
	}
	m.notifier = dispatch.Logged{Notifier: n, Logger: m.logger}
}

// AddCanceller registers an in-process scheduler to signal on Cancel.
func (m *Manager) AddCanceller(c Canceller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancellers = append(m.cancellers, c)
}

// Submit creates a queued job and returns its id without waiting for any
// pipeline work. Only the shape of the request is checked here; the config
// is validated in depth by the pipeline.
func (m *Manager) Submit(ctx context.Context, agentID, requesterID string, config json.RawMessage) (string, error) {
	agentID = strings.TrimSpace(agentID)
	requesterID = strings.TrimSpace(requesterID)
	if agentID == "" {
		return "", errors.NewInvalidRequestError("agent_id is required")
	}
	if requesterID == "" {
		return "", errors.NewInvalidRequestError("requester_id is required")
	}
	if err := deployment.CheckSyntax(config); err != nil {
		return "", err
	}
	if !m.allow(requesterID) {
		return "", errors.WithDetail(
			errors.Mark(errors.Newf("requester %s exceeded %d submits per minute", requesterID, m.opts.SubmitRatePerMinute), errors.ErrRateLimited),
			"Requester ID: "+requesterID)
	}

	job := deployment.New(agentID, requesterID, config)

	m.submitMu.Lock()
	if m.opts.SerializePerAgent {
		busy, err := m.store.HasActiveForAgent(ctx, agentID)
		if err != nil {
			m.submitMu.Unlock()
			return "", err
		}
		if busy {
			m.submitMu.Unlock()
			return "", errors.WithHint(
				errors.NewConflictError("agent %s already has a deployment in progress", agentID),
				"wait for the running deployment to finish or cancel it")
		}
	}
	err := m.store.Create(ctx, job)
	m.submitMu.Unlock()
	if err != nil {
		return "", errors.WithDetail(errors.Wrap(err, "failed to submit deployment"), "Agent ID: "+agentID)
	}

	m.logger.Infow("Deployment queued",
		logger.FieldJobID, job.ID,
		logger.FieldAgentID, agentID,
		logger.FieldRequesterID, requesterID,
	)

	m.mu.Lock()
	n := m.notifier
	m.mu.Unlock()
	if n != nil {
		_ = n.NotifyQueued(ctx, job.ID)
	}
	return job.ID, nil
}

// allow consumes one submit token for requesterID.
func (m *Manager) allow(requesterID string) bool {
	if m.opts.SubmitRatePerMinute <= 0 {
		return true
	}
	m.mu.Lock()
	l, ok := m.limiters[requesterID]
	if !ok {
		per := m.opts.SubmitRatePerMinute
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(per)), per)
		m.limiters[requesterID] = l
	}
	m.mu.Unlock()
	return l.Allow()
}

// GetStatus returns the committed snapshot of a job.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*deployment.Job, error) {
	if jobID == "" {
		return nil, errors.NewInvalidRequestError("job id is required")
	}
	return m.store.Get(ctx, jobID)
}

// GetLogs returns the full log text. A job without lines yet, or an unknown
// job, fails with errors.ErrNotFound; callers should read that as "no logs
// yet".
func (m *Manager) GetLogs(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return "", errors.NewInvalidRequestError("job id is required")
	}
	if m.logs == nil {
		return "", errors.NewNotFoundError("no logs for job %s", jobID)
	}
	return m.logs.ReadAll(ctx, jobID)
}

// Cancel requests cooperative cancellation and returns the job snapshot.
// Cancelling a terminal job is a no-op. The executor observes the request
// at its next checkpoint.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*deployment.Job, error) {
	if jobID == "" {
		return nil, errors.NewInvalidRequestError("job id is required")
	}
	job, err := m.store.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	m.mu.Lock()
	cancellers := append([]Canceller(nil), m.cancellers...)
	m.mu.Unlock()

	signalled := false
	for _, c := range cancellers {
		if c.SignalCancel(jobID) {
			signalled = true
		}
	}
	m.logger.Infow("Cancellation requested",
		logger.FieldJobID, jobID,
		logger.FieldStatus, job.Status,
		"signalled_local", signalled,
	)
	return job, nil
}

// Subscribe opens a snapshot stream for a job. The first value is the
// current snapshot; the stream closes after the terminal one.
func (m *Manager) Subscribe(ctx context.Context, jobID string) (*fanout.Subscription, error) {
	if m.subs == nil {
		return nil, errors.New("subscriptions are not enabled")
	}
	return m.subs.Subscribe(ctx, jobID)
}

// List returns jobs newest first.
func (m *Manager) List(ctx context.Context, filter jobstore.ListFilter) ([]*deployment.Job, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, errors.NewInvalidRequestError("unknown status %q", filter.Status)
	}
	if filter.Limit < 0 {
		return nil, errors.NewInvalidRequestError("limit must not be negative")
	}
	return m.store.List(ctx, filter)
}
