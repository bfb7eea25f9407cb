package jobstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
)

// ErrLeaseLost is returned when a write is attempted without the current lease.
// It matches errors.ErrConflict.
var ErrLeaseLost = errors.Mark(errors.New("job lease lost"), errors.ErrConflict)

// Lease identifies the single executor allowed to mutate a job.
type Lease struct {
	Owner string
	Token string
	// TakenOver is set when the claim replaced a holder that stopped
	// heartbeating. Jobs whose lease was released come back without it.
	TakenOver bool
}

func (l Lease) holds(job *deployment.Job) bool {
	return l.Token != "" && job.Owner == l.Owner && job.LeaseToken == l.Token
}

// Claim takes ownership of the oldest claimable job: a non-terminal job that
// has no lease, or whose holder stopped heartbeating before staleBefore.
// Returns a nil job when nothing is claimable.
func (s *Store) Claim(ctx context.Context, owner string, staleBefore time.Time) (*deployment.Job, Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Lease{}, errors.Wrap(err, "failed to begin claim")
	}
	defer tx.Rollback()

	stale := staleBefore.UTC()
	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns()+` FROM deployment_jobs
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		  AND (lease_token IS NULL OR heartbeat_at IS NULL OR heartbeat_at < ?)
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`, stale)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Lease{}, nil
	}
	if err != nil {
		return nil, Lease{}, errors.Wrap(err, "failed to select claimable job")
	}

	lease := Lease{Owner: owner, Token: uuid.NewString(), TakenOver: job.LeaseToken != ""}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE deployment_jobs SET owner = ?, lease_token = ?, heartbeat_at = ?
		WHERE id = ? AND (lease_token IS NULL OR heartbeat_at IS NULL OR heartbeat_at < ?)`,
		lease.Owner, lease.Token, now, job.ID, stale)
	if err != nil {
		return nil, Lease{}, errors.WithDetail(errors.Wrap(err, "failed to claim job"), "Job ID: "+job.ID)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		// another process claimed it between select and update
		return nil, Lease{}, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, Lease{}, errors.Wrap(err, "failed to commit claim")
	}

	job.Owner = lease.Owner
	job.LeaseToken = lease.Token
	job.HeartbeatAt = &now
	return job, lease, nil
}

// Heartbeat refreshes the lease. It fails with ErrLeaseLost when another
// executor has taken the job over.
func (s *Store) Heartbeat(ctx context.Context, id string, lease Lease) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployment_jobs SET heartbeat_at = ? WHERE id = ? AND owner = ? AND lease_token = ?`,
		time.Now().UTC(), id, lease.Owner, lease.Token,
	)
	if err != nil {
		return errors.Wrap(err, "failed to heartbeat")
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return errors.WithDetail(ErrLeaseLost, "Job ID: "+id)
	}
	return nil
}

// Release drops the lease so the job is immediately claimable again
// (if it is not terminal). Releasing a lease that is no longer held is a no-op.
func (s *Store) Release(ctx context.Context, id string, lease Lease) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployment_jobs SET lease_token = NULL, heartbeat_at = NULL WHERE id = ? AND owner = ? AND lease_token = ?`,
		id, lease.Owner, lease.Token,
	)
	return errors.Wrap(err, "failed to release lease")
}
