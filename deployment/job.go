package deployment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/agentdeploy/errors"
)

// StepState is the state of one step_history entry.
type StepState string

const (
	StepPending   StepState = "pending"
	StepActive    StepState = "active"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
)

// Step is one entry of a job's step history.
type Step struct {
	Name    Status    `json:"step_name"`
	Status  StepState `json:"status"`
	Message string    `json:"message,omitempty"`
}

// Job is the durable record of one deployment request.
//
// The record is created by the job manager and afterwards mutated only by
// the executor holding the job's lease (Owner + LeaseToken).
type Job struct {
	ID          string `json:"job_id"`
	AgentID     string `json:"agent_id"`
	RequesterID string `json:"requester_id"`

	Status       Status     `json:"status"`
	Progress     int        `json:"progress"`
	CurrentStep  string     `json:"current_step"`
	StepHistory  []Step     `json:"step_history"`
	LogTail      []LogEntry `json:"log_tail"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Failure      *Failure   `json:"failure,omitempty"`

	Config          json.RawMessage `json:"deployment_config"`
	ArtifactRef     string          `json:"artifact_ref,omitempty"`
	ServiceEndpoint string          `json:"service_endpoint,omitempty"`
	BuildAttempts   int             `json:"build_attempts"`
	Recoveries      int             `json:"recoveries,omitempty"`

	// Version increases by one on every committed mutation.
	Version int64 `json:"version"`

	Owner             string     `json:"owner,omitempty"`
	LeaseToken        string     `json:"-"`
	HeartbeatAt       *time.Time `json:"heartbeat_at,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// New creates a queued job with every stage seeded as pending.
func New(agentID, requesterID string, config json.RawMessage) *Job {
	now := time.Now().UTC()
	history := make([]Step, 0, len(Stages))
	for _, s := range Stages {
		history = append(history, Step{Name: s, Status: StepPending})
	}
	return &Job{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		RequesterID: requesterID,
		Status:      StatusQueued,
		CurrentStep: StageTitle(StatusQueued),
		StepHistory: history,
		LogTail:     []LogEntry{},
		Config:      config,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy safe to hand to observers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.StepHistory = append([]Step(nil), j.StepHistory...)
	c.LogTail = append([]LogEntry(nil), j.LogTail...)
	c.Config = append(json.RawMessage(nil), j.Config...)
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	c.HeartbeatAt = copyTime(j.HeartbeatAt)
	c.CancelRequestedAt = copyTime(j.CancelRequestedAt)
	c.StartedAt = copyTime(j.StartedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Step returns the history entry for stage, or nil.
func (j *Job) Step(stage Status) *Step {
	for i := range j.StepHistory {
		if j.StepHistory[i].Name == stage {
			return &j.StepHistory[i]
		}
	}
	return nil
}

// StageCompleted reports whether stage's history entry is completed.
func (j *Job) StageCompleted(stage Status) bool {
	s := j.Step(stage)
	return s != nil && s.Status == StepCompleted
}

// CancelRequested reports whether the job manager recorded a cancel request.
func (j *Job) CancelRequested() bool {
	return j.CancelRequestedAt != nil
}

func (j *Job) raiseProgress(p int) {
	if p > j.Progress {
		j.Progress = p
	}
}

// EnterStage moves the job into stage and marks its step active.
// Re-entering the current stage (resume after recovery) only refreshes the step.
func (j *Job) EnterStage(stage Status, message string) error {
	if !stage.IsStage() {
		return errors.Newf("%s is not a pipeline stage", stage)
	}
	if j.Status != stage && !CanTransition(j.Status, stage) {
		return errors.Newf("invalid transition %s -> %s", j.Status, stage)
	}
	if message == "" {
		message = StageTitle(stage)
	}

	now := time.Now().UTC()
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.Status = stage
	j.CurrentStep = message
	j.raiseProgress(StageProgress[stage].Start)
	if s := j.Step(stage); s != nil {
		s.Status = StepActive
		s.Message = message
	} else {
		j.StepHistory = append(j.StepHistory, Step{Name: stage, Status: StepActive, Message: message})
	}
	return nil
}

// StageProgressed records sub-step progress within the current stage.
func (j *Job) StageProgressed(stage Status, done, total int, message string) error {
	if j.Status != stage {
		return errors.Newf("job is %s, not %s", j.Status, stage)
	}
	j.raiseProgress(Interpolate(stage, done, total))
	if message != "" {
		j.CurrentStep = message
		if s := j.Step(stage); s != nil {
			s.Message = message
		}
	}
	return nil
}

// CompleteStage marks the current stage's step completed.
func (j *Job) CompleteStage(stage Status, message string) error {
	if j.Status != stage {
		return errors.Newf("job is %s, not %s", j.Status, stage)
	}
	s := j.Step(stage)
	if s == nil {
		return errors.Newf("no step recorded for %s", stage)
	}
	if message == "" {
		message = fmt.Sprintf("%s done", stage)
	}
	s.Status = StepCompleted
	s.Message = message
	j.CurrentStep = message
	j.raiseProgress(StageProgress[stage].End)
	return nil
}

// Complete moves a verified job to completed.
func (j *Job) Complete(message string) error {
	if !CanTransition(j.Status, StatusCompleted) {
		return errors.Newf("invalid transition %s -> %s", j.Status, StatusCompleted)
	}
	if !j.StageCompleted(StatusVerifying) {
		return errors.New("cannot complete before verifying has completed")
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.Progress = 100
	if message == "" {
		message = StageTitle(StatusCompleted)
	}
	j.CurrentStep = message
	j.CompletedAt = &now
	return nil
}

// Fail moves the job to failed, marking the active step as failed.
// Progress stays where the failing stage left it.
func (j *Job) Fail(err error) error {
	if j.Status.IsTerminal() {
		return errors.Newf("job already %s", j.Status)
	}
	failure := ClassifyFailure(j.Status, err)
	if failure.Message == "" {
		failure.Message = StageTitle(StatusFailed)
	}
	if s := j.Step(j.Status); s != nil && s.Status == StepActive {
		s.Status = StepFailed
		s.Message = failure.Message
	}

	now := time.Now().UTC()
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.Failure = &failure
	j.ErrorMessage = failure.Message
	j.CurrentStep = fmt.Sprintf("Failed during %s", failure.Stage)
	j.Status = StatusFailed
	j.CompletedAt = &now
	return nil
}

// Cancel moves the job to cancelled. Pending steps stay pending.
func (j *Job) Cancel(reason string) error {
	if j.Status.IsTerminal() {
		return errors.Newf("job already %s", j.Status)
	}
	if s := j.Step(j.Status); s != nil && s.Status == StepActive {
		s.Status = StepFailed
		s.Message = "cancelled"
	}
	now := time.Now().UTC()
	if reason == "" {
		reason = StageTitle(StatusCancelled)
	}
	j.Status = StatusCancelled
	j.CurrentStep = reason
	j.CompletedAt = &now
	return nil
}

// AppendLog adds entries to the bounded log tail, dropping the oldest.
func (j *Job) AppendLog(limit int, entries ...LogEntry) {
	if limit <= 0 {
		limit = DefaultLogTailSize
	}
	j.LogTail = append(j.LogTail, entries...)
	if over := len(j.LogTail) - limit; over > 0 {
		j.LogTail = append([]LogEntry(nil), j.LogTail[over:]...)
	}
}

// ValidateUpdate checks that after is a legal successor of before.
// The job store runs it inside every update transaction.
func ValidateUpdate(before, after *Job) error {
	if after.ID != before.ID || after.AgentID != before.AgentID || after.RequesterID != before.RequesterID {
		return errors.New("job identity fields are immutable")
	}
	if !bytes.Equal(after.Config, before.Config) {
		return errors.New("deployment_config is immutable")
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		return errors.New("created_at is immutable")
	}

	if before.Status.IsTerminal() {
		if after.Status != before.Status || after.Progress != before.Progress || !sameSteps(before.StepHistory, after.StepHistory) {
			return errors.Newf("job is %s and can no longer change", before.Status)
		}
	}
	if after.Status != before.Status && !CanTransition(before.Status, after.Status) {
		return errors.Newf("invalid transition %s -> %s", before.Status, after.Status)
	}
	if after.Progress < before.Progress {
		return errors.Newf("progress cannot move backward (%d -> %d)", before.Progress, after.Progress)
	}
	if after.Progress < 0 || after.Progress > 100 {
		return errors.Newf("progress out of range: %d", after.Progress)
	}
	if len(after.StepHistory) < len(before.StepHistory) {
		return errors.New("step_history is append-only")
	}
	for i, s := range before.StepHistory {
		if after.StepHistory[i].Name != s.Name {
			return errors.Newf("step_history entry %d renamed", i)
		}
	}
	if before.StartedAt != nil && (after.StartedAt == nil || !after.StartedAt.Equal(*before.StartedAt)) {
		return errors.New("started_at is set once")
	}
	if before.CompletedAt != nil && (after.CompletedAt == nil || !after.CompletedAt.Equal(*before.CompletedAt)) {
		return errors.New("completed_at is set once")
	}
	if (after.Status == StatusFailed) != (after.ErrorMessage != "") {
		return errors.New("error_message is set exactly when status is failed")
	}
	return nil
}

func sameSteps(a, b []Step) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
