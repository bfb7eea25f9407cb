// Package jobstore is the durable record of deployment jobs.
//
// Every write goes through a transaction that re-reads the row, applies the
// change and validates it against the job state machine before committing.
// Committed snapshots are handed to a Notifier in commit order.
package jobstore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
)

// Notifier receives a snapshot after every committed mutation.
type Notifier interface {
	Publish(job *deployment.Job)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	AgentID string
	Status  deployment.Status
	Limit   int
}

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50

// Store persists deployment jobs in sqlite.
type Store struct {
	db *sql.DB

	// mu serializes writes in this process so notifications go out in commit order
	mu       sync.Mutex
	notifier Notifier
}

// NewStore creates a job store on an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SetNotifier installs the commit hook. Pass nil to disable notifications.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *Store) publish(job *deployment.Job) {
	if s.notifier != nil {
		s.notifier.Publish(job.Clone())
	}
}

// Create inserts a new job record.
func (s *Store) Create(ctx context.Context, job *deployment.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := mutableValues(job)
	if err != nil {
		return err
	}
	query := `INSERT INTO deployment_jobs (id, agent_id, requester_id, deployment_config, created_at,
		status, progress, current_step, step_history, log_tail,
		error_message, failure, artifact_ref, service_endpoint,
		build_attempts, recoveries, version, cancel_requested_at,
		started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := append([]interface{}{job.ID, job.AgentID, job.RequesterID, string(job.Config), job.CreatedAt.UTC()}, values...)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to create job"), "Job ID: "+job.ID)
	}
	s.publish(job)
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*deployment.Job, error) {
	return getJob(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getJob(ctx context.Context, q queryRower, id string) (*deployment.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+selectColumns()+` FROM deployment_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to get job"), "Job ID: "+id)
	}
	return job, nil
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*deployment.Job, error) {
	query := `SELECT ` + selectColumns() + ` FROM deployment_jobs WHERE 1 = 1`
	var args []interface{}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan jobs")
	}
	return jobs, nil
}

// HasActiveForAgent reports whether a non-terminal job exists for agentID.
func (s *Store) HasActiveForAgent(ctx context.Context, agentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM deployment_jobs WHERE agent_id = ? AND status NOT IN ('completed', 'failed', 'cancelled'))`,
		agentID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check active jobs")
	}
	return exists, nil
}

// Update applies fn to the current record of job id inside a transaction.
//
// The caller must hold the job's lease. fn sees a fresh copy of the row; if it
// returns an error nothing is written. The result must be a legal successor
// per deployment.ValidateUpdate. On success the committed snapshot is
// returned and published.
func (s *Store) Update(ctx context.Context, id string, lease Lease, fn func(*deployment.Job) error) (*deployment.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin update")
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !lease.holds(job) {
		return nil, errors.WithDetail(ErrLeaseLost, "Job ID: "+id)
	}

	before := job.Clone()
	if err := fn(job); err != nil {
		return nil, err
	}
	if err := deployment.ValidateUpdate(before, job); err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "rejected job update"), "Job ID: "+id)
	}

	now := time.Now().UTC()
	job.Version = before.Version + 1
	job.UpdatedAt = now
	job.HeartbeatAt = &now

	values, err := mutableValues(job)
	if err != nil {
		return nil, err
	}
	args := append(values, now, id, before.Version)
	res, err := tx.ExecContext(ctx, `UPDATE deployment_jobs SET `+updateSet+`, heartbeat_at = ? WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to update job"), "Job ID: "+id)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, errors.WithDetail(errors.NewConflictError("job %s changed concurrently", id), "Job ID: "+id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to commit job update"), "Job ID: "+id)
	}

	s.publish(job)
	return job.Clone(), nil
}

// RequestCancel records a cancellation request. It never changes status or
// progress. Terminal jobs, and jobs already flagged, are returned unchanged.
func (s *Store) RequestCancel(ctx context.Context, id string) (*deployment.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin cancel")
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() || job.CancelRequested() {
		return job, nil
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE deployment_jobs SET cancel_requested_at = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		now, now, id, job.Version,
	)
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to request cancel"), "Job ID: "+id)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, errors.NewConflictError("job %s changed concurrently", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit cancel request")
	}

	job.CancelRequestedAt = &now
	job.Version++
	job.UpdatedAt = now
	s.publish(job)
	return job.Clone(), nil
}

// SaveConfig stores the validated config for id. Saving again replaces it,
// so a resumed job can repeat the config_saved stage.
func (s *Store) SaveConfig(ctx context.Context, id string, lease Lease, data []byte, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin save config")
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return err
	}
	if !lease.holds(job) {
		return errors.WithDetail(ErrLeaseLost, "Job ID: "+id)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO saved_configs (job_id, config, checksum, saved_at) VALUES (?, ?, ?, ?)`,
		id, string(data), checksum, time.Now().UTC(),
	)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to save config"), "Job ID: "+id)
	}
	return errors.Wrap(tx.Commit(), "failed to commit saved config")
}

// LoadSavedConfig returns the config stored by SaveConfig.
func (s *Store) LoadSavedConfig(ctx context.Context, id string) ([]byte, string, error) {
	var data, checksum string
	err := s.db.QueryRowContext(ctx, `SELECT config, checksum FROM saved_configs WHERE job_id = ?`, id).Scan(&data, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", errors.NewNotFoundError("no saved config for job %s", id)
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to load saved config")
	}
	return []byte(data), checksum, nil
}
