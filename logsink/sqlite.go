package logsink

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
)

// SQLSink keeps log lines in the job_logs table next to the job records.
type SQLSink struct {
	db *sql.DB
}

// NewSQLSink creates a sink on an already migrated database.
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

// Append inserts one line.
func (s *SQLSink) Append(ctx context.Context, jobID string, entry deployment.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, timestamp, level, stage, message) VALUES (?, ?, ?, ?, ?)`,
		jobID, entry.Timestamp.UTC(), entry.Level, string(entry.Stage), entry.Message,
	)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to append log line"), "Job ID: "+jobID)
	}
	return nil
}

// Entries returns the stored lines of jobID in append order.
func (s *SQLSink) Entries(ctx context.Context, jobID string) ([]deployment.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, level, stage, message FROM job_logs WHERE job_id = ? ORDER BY seq ASC`,
		jobID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query job logs")
	}
	defer rows.Close()

	var entries []deployment.LogEntry
	for rows.Next() {
		var (
			ts    time.Time
			e     deployment.LogEntry
			stage string
		)
		if err := rows.Scan(&ts, &e.Level, &stage, &e.Message); err != nil {
			return nil, errors.Wrap(err, "failed to scan log line")
		}
		e.Timestamp = ts.UTC()
		e.Stage = deployment.Status(stage)
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to read job logs")
}

// ReadAll renders every line of jobID.
func (s *SQLSink) ReadAll(ctx context.Context, jobID string) (string, error) {
	entries, err := s.Entries(ctx, jobID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.NewNotFoundError("no logs for job %s", jobID)
	}
	return deployment.RenderLog(entries), nil
}
