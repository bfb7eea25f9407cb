package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/agentdeploy/deployment"
)

// jobColumns is the column order shared by every SELECT and the scan targets.
var jobColumns = []string{
	"id", "agent_id", "requester_id",
	"status", "progress", "current_step", "step_history", "log_tail",
	"error_message", "failure", "deployment_config",
	"artifact_ref", "service_endpoint", "build_attempts", "recoveries", "version",
	"owner", "lease_token", "heartbeat_at", "cancel_requested_at",
	"created_at", "started_at", "completed_at", "updated_at",
}

func selectColumns() string {
	return strings.Join(jobColumns, ", ")
}

// jobScanArgs holds the nullable and JSON-encoded columns while scanning.
type jobScanArgs struct {
	StepHistory       string
	LogTail           string
	ErrorMessage      sql.NullString
	Failure           sql.NullString
	Config            string
	ArtifactRef       sql.NullString
	ServiceEndpoint   sql.NullString
	Owner             sql.NullString
	LeaseToken        sql.NullString
	HeartbeatAt       sql.NullTime
	CancelRequestedAt sql.NullTime
	StartedAt         sql.NullTime
	CompletedAt       sql.NullTime
}

func scanTargets(job *deployment.Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID, &job.AgentID, &job.RequesterID,
		&job.Status, &job.Progress, &job.CurrentStep, &args.StepHistory, &args.LogTail,
		&args.ErrorMessage, &args.Failure, &args.Config,
		&args.ArtifactRef, &args.ServiceEndpoint, &job.BuildAttempts, &job.Recoveries, &job.Version,
		&args.Owner, &args.LeaseToken, &args.HeartbeatAt, &args.CancelRequestedAt,
		&job.CreatedAt, &args.StartedAt, &args.CompletedAt, &job.UpdatedAt,
	}
}

func (args *jobScanArgs) apply(job *deployment.Job) error {
	if err := json.Unmarshal([]byte(args.StepHistory), &job.StepHistory); err != nil {
		return fmt.Errorf("failed to unmarshal step_history for job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(args.LogTail), &job.LogTail); err != nil {
		return fmt.Errorf("failed to unmarshal log_tail for job %s: %w", job.ID, err)
	}
	if args.Failure.Valid && args.Failure.String != "" {
		var f deployment.Failure
		if err := json.Unmarshal([]byte(args.Failure.String), &f); err != nil {
			return fmt.Errorf("failed to unmarshal failure for job %s: %w", job.ID, err)
		}
		job.Failure = &f
	}
	job.Config = json.RawMessage(args.Config)
	job.ErrorMessage = args.ErrorMessage.String
	job.ArtifactRef = args.ArtifactRef.String
	job.ServiceEndpoint = args.ServiceEndpoint.String
	job.Owner = args.Owner.String
	job.LeaseToken = args.LeaseToken.String
	job.HeartbeatAt = nullTime(args.HeartbeatAt)
	job.CancelRequestedAt = nullTime(args.CancelRequestedAt)
	job.StartedAt = nullTime(args.StartedAt)
	job.CompletedAt = nullTime(args.CompletedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*deployment.Job, error) {
	var job deployment.Job
	var args jobScanArgs
	if err := row.Scan(scanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	if err := args.apply(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*deployment.Job, error) {
	var jobs []*deployment.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// mutableValues encodes the columns an update may write, in updateSet order.
func mutableValues(job *deployment.Job) ([]interface{}, error) {
	history, err := json.Marshal(job.StepHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step_history: %w", err)
	}
	tail := job.LogTail
	if tail == nil {
		tail = []deployment.LogEntry{}
	}
	logTail, err := json.Marshal(tail)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log_tail: %w", err)
	}
	var failure sql.NullString
	if job.Failure != nil {
		b, err := json.Marshal(job.Failure)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal failure: %w", err)
		}
		failure = sql.NullString{String: string(b), Valid: true}
	}

	return []interface{}{
		job.Status,
		job.Progress,
		job.CurrentStep,
		string(history),
		string(logTail),
		nullString(job.ErrorMessage),
		failure,
		nullString(job.ArtifactRef),
		nullString(job.ServiceEndpoint),
		job.BuildAttempts,
		job.Recoveries,
		job.Version,
		timeOrNil(job.CancelRequestedAt),
		timeOrNil(job.StartedAt),
		timeOrNil(job.CompletedAt),
		job.UpdatedAt,
	}, nil
}

const updateSet = `status = ?, progress = ?, current_step = ?, step_history = ?, log_tail = ?,
	error_message = ?, failure = ?, artifact_ref = ?, service_endpoint = ?,
	build_attempts = ?, recoveries = ?, version = ?, cancel_requested_at = ?,
	started_at = ?, completed_at = ?, updated_at = ?`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
