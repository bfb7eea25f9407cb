// Package pipeline runs the build and deploy stages of one deployment job.
//
// An Executor is stateless between jobs: everything it needs to resume is in
// the job record and the saved config. Each Execute call must hold the job's
// lease; every write is fenced on it, so a second executor can never
// interleave with the first.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/jobstore"
	"github.com/teranos/agentdeploy/logger"
	"github.com/teranos/agentdeploy/logsink"
	"github.com/teranos/agentdeploy/telemetry"
)

// JobStore is the part of the job store the executor writes through.
type JobStore interface {
	Get(ctx context.Context, id string) (*deployment.Job, error)
	Update(ctx context.Context, id string, lease jobstore.Lease, fn func(*deployment.Job) error) (*deployment.Job, error)
	SaveConfig(ctx context.Context, id string, lease jobstore.Lease, data []byte, checksum string) error
	LoadSavedConfig(ctx context.Context, id string) ([]byte, string, error)
}

// Run identifies one claimed execution.
type Run struct {
	JobID string
	Lease jobstore.Lease

	// Cancel is closed when cancellation is requested in this process.
	// Requests made elsewhere are seen through the job record.
	Cancel <-chan struct{}

	// MaxRecoveries bounds how often an interrupted job is resumed.
	// Zero means no limit.
	MaxRecoveries int
}

// ErrInterrupted is returned when the executor stopped without reaching a
// terminal status: shutdown, or a lost lease. The job is left for recovery.
var ErrInterrupted = errors.New("execution interrupted")

// errStage marks failures attributable to the job (collaborator or config
// errors) as opposed to failures of the executor's own bookkeeping.
var errStage = errors.New("stage failure")

// errCancelPending aborts completion of a job with a pending cancel request.
var errCancelPending = errors.New("cancel pending")

func stageErr(err error) error {
	return errors.Mark(err, errStage)
}

// Executor drives jobs through the pipeline stages.
type Executor struct {
	store     JobStore
	sink      logsink.Sink
	builder   Builder
	platform  Platform
	directory AgentDirectory
	ins       *telemetry.Instruments
	logger    *zap.SugaredLogger

	cfg atomic.Pointer[Config]

	// sleep waits between build attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration, cancel <-chan struct{}) bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithInstruments overrides the global telemetry instruments.
func WithInstruments(ins *telemetry.Instruments) Option {
	return func(e *Executor) { e.ins = ins }
}

// WithLogger sets the executor's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor wires the executor to its collaborators. The sink should
// already be wrapped in logsink.BestEffort.
func NewExecutor(store JobStore, sink logsink.Sink, builder Builder, platform Platform, directory AgentDirectory, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		store:     store,
		sink:      sink,
		builder:   builder,
		platform:  platform,
		directory: directory,
		logger:    zap.NewNop().Sugar(),
		sleep:     sleepOrCancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ins == nil {
		e.ins = telemetry.Global()
	}
	e.SetConfig(cfg)
	return e
}

// SetConfig replaces the stage tuning. Jobs in flight use it from their next stage.
func (e *Executor) SetConfig(cfg Config) {
	e.cfg.Store(&cfg)
}

// Config returns the current stage tuning.
func (e *Executor) Config() Config {
	return *e.cfg.Load()
}

// execution is the state of one Execute call.
type execution struct {
	exec *Executor
	ctx  context.Context
	run  Run
	cfg  Config
	log  *zap.SugaredLogger
	em   *emitter

	mu     sync.Mutex      // serializes writes from the executor and the emitter
	job    *deployment.Job // last committed snapshot
	config *deployment.Config
}

// Execute advances the job to a terminal status. It returns nil once the
// job is completed, failed or cancelled, and ErrInterrupted (wrapped) when
// it had to stop early.
func (e *Executor) Execute(ctx context.Context, run Run) error {
	job, err := e.store.Get(ctx, run.JobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	x := &execution{
		exec: e,
		ctx:  logger.WithJobID(ctx, run.JobID),
		run:  run,
		cfg:  e.Config(),
		log:  e.logger.With(logger.FieldJobID, run.JobID, logger.FieldAgentID, job.AgentID),
		job:  job,
	}
	x.em = newEmitter(x)
	return x.execute()
}

// stageFunc runs the work of one stage after it has been entered.
type stageFunc func(ctx context.Context) error

type stage struct {
	status deployment.Status
	run    stageFunc
}

func (x *execution) stages() []stage {
	return []stage{
		{deployment.StatusValidating, x.validate},
		{deployment.StatusConfigSaved, x.saveConfig},
		{deployment.StatusBuilding, x.build},
		{deployment.StatusDeploying, x.deploy},
		{deployment.StatusVerifying, x.verify},
	}
}

func (x *execution) execute() error {
	stages := x.stages()

	start, err := x.resumePoint(stages)
	if err != nil || start < 0 {
		return err
	}

	for _, st := range stages[start:] {
		if x.cancelRequested() {
			return x.cancel("")
		}
		x.cfg = x.exec.Config()

		if err := x.runStage(st); err != nil {
			return x.stageFailed(st.status, err)
		}
	}

	// Completion is the last cancellation checkpoint; the stored flag is
	// rechecked inside the completing transaction.
	if x.cancelRequested() {
		return x.cancel("")
	}
	_, err = x.update(func(j *deployment.Job) error {
		if j.CancelRequested() {
			return errCancelPending
		}
		return j.Complete("")
	})
	switch {
	case errors.Is(err, errCancelPending):
		return x.cancel("")
	case err != nil:
		return x.interrupted(err)
	}
	logger.AddStageSymbol(x.log, string(deployment.StatusCompleted)).Infow("Job completed",
		logger.FieldEndpoint, x.job.ServiceEndpoint,
	)
	x.finish(deployment.StatusCompleted)
	return nil
}

// resumePoint returns the index of the first stage to run. A negative
// index means the job was finished during resume handling.
func (x *execution) resumePoint(stages []stage) (int, error) {
	job := x.job
	if job.Status == deployment.StatusQueued {
		if job.CancelRequested() {
			return -1, x.cancel("Cancelled before start")
		}
		return 0, nil
	}

	// The job was started by an executor that is gone, or that released it
	// after an interruption. Only lost executors count as recoveries.
	recoveries := job.Recoveries
	if x.run.Lease.TakenOver {
		recoveries++
		if x.run.MaxRecoveries > 0 && recoveries > x.run.MaxRecoveries {
			return -1, x.fail(errors.Newf("executor lost %d times, giving up", recoveries))
		}
	}

	start := 0
	for i, st := range stages {
		if st.status == job.Status {
			start = i
			if job.StageCompleted(st.status) {
				start = i + 1
			}
		}
	}

	if job.Status == deployment.StatusDeploying && !job.StageCompleted(deployment.StatusDeploying) {
		return -1, x.fail(errors.Mark(errors.New("executor lost during rollout"), errors.ErrDeployFailed))
	}

	if _, err := x.update(func(j *deployment.Job) error {
		j.Recoveries = recoveries
		msg := "resuming after executor loss"
		if !x.run.Lease.TakenOver {
			msg = "resuming after interruption"
		}
		j.AppendLog(x.cfg.LogTailSize, deployment.NewLogEntry(j.Status, deployment.LevelWarn, msg))
		return nil
	}); err != nil {
		return -1, x.interrupted(err)
	}
	logger.AddSchedulerSymbol(x.log).Infow("Resuming job",
		logger.FieldStage, job.Status,
		"recoveries", recoveries,
	)

	// Stages after config_saved run from the saved config.
	if start > 1 {
		cfg, err := x.loadSavedConfig()
		if err != nil {
			return -1, x.fail(err)
		}
		x.config = cfg
	}
	return start, nil
}

func (x *execution) loadSavedConfig() (*deployment.Config, error) {
	data, sum, err := x.exec.store.LoadSavedConfig(x.ctx, x.run.JobID)
	if err != nil {
		return nil, errors.Wrap(err, "saved config unavailable")
	}
	return deployment.DecodeSaved(data, sum)
}

// runStage enters st, runs it and marks it completed, all inside a span.
func (x *execution) runStage(st stage) error {
	ctx, span := x.exec.ins.Tracer.Start(x.ctx, "pipeline."+string(st.status),
		trace.WithAttributes(
			attribute.String(logger.FieldJobID, x.run.JobID),
			attribute.String(logger.FieldAgentID, x.job.AgentID),
		))
	started := time.Now()
	defer func() {
		x.exec.ins.StageDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String(logger.FieldStage, string(st.status))))
		span.End()
	}()

	if err := x.enter(st.status, ""); err != nil {
		return err
	}
	if err := st.run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := x.em.err(); err != nil && errors.Is(err, jobstore.ErrLeaseLost) {
		return err
	}
	_, err := x.update(func(j *deployment.Job) error {
		return j.CompleteStage(st.status, completionMessage(j, st.status))
	})
	return err
}

func completionMessage(j *deployment.Job, s deployment.Status) string {
	switch s {
	case deployment.StatusBuilding:
		return "Artifact built: " + j.ArtifactRef
	case deployment.StatusDeploying:
		return "Service reachable at " + j.ServiceEndpoint
	case deployment.StatusVerifying:
		return "Service healthy"
	}
	return ""
}

// enter moves the job into stage and points collaborator output at it.
func (x *execution) enter(s deployment.Status, message string) error {
	x.em.setStage(s)
	if message == "" {
		message = deployment.StageTitle(s)
	}
	x.em.record(deployment.LevelInfo, message)
	_, err := x.update(func(j *deployment.Job) error { return j.EnterStage(s, message) })
	if err != nil {
		return err
	}
	logger.AddStageSymbol(x.log, string(s)).Infow("Stage started",
		logger.FieldStage, s,
		logger.FieldProgress, x.job.Progress,
	)
	return nil
}

// update commits fn plus any queued log output and keeps the snapshot.
func (x *execution) update(fn func(*deployment.Job) error) (*deployment.Job, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	pending := x.em.takePending()
	job, err := x.exec.store.Update(x.ctx, x.run.JobID, x.run.Lease, func(j *deployment.Job) error {
		if err := fn(j); err != nil {
			return err
		}
		j.AppendLog(x.cfg.LogTailSize, pending...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	x.job = job
	return job, nil
}

// cancelRequested checks the in-process signal and the stored flag.
func (x *execution) cancelRequested() bool {
	select {
	case <-x.run.Cancel:
		return true
	default:
	}
	if x.job.CancelRequested() {
		return true
	}
	job, err := x.exec.store.Get(x.ctx, x.run.JobID)
	if err != nil {
		return false
	}
	return job.CancelRequested()
}

// stageFailed decides what a stage error means for the job.
func (x *execution) stageFailed(stage deployment.Status, err error) error {
	switch {
	case x.ctx.Err() != nil, errors.Is(err, jobstore.ErrLeaseLost):
		return x.interrupted(err)
	case errors.Is(err, errors.ErrCancelled):
		return x.cancel("")
	case !errors.Is(err, errStage):
		// the executor's own writes failed; the job is not at fault
		return x.interrupted(err)
	}
	x.em.record(deployment.LevelError, err.Error())
	return x.fail(err)
}

// fail moves the job to failed. The failing stage keeps its progress.
func (x *execution) fail(cause error) error {
	if _, err := x.update(func(j *deployment.Job) error { return j.Fail(cause) }); err != nil {
		return x.interrupted(err)
	}
	logger.AddStageSymbol(x.log, string(deployment.StatusFailed)).Warnw("Job failed",
		logger.FieldStage, x.job.Failure.Stage,
		logger.FieldErrorKind, x.job.Failure.Kind,
		logger.FieldError, x.job.ErrorMessage,
	)
	x.finish(deployment.StatusFailed)
	return nil
}

// cancel moves the job to cancelled, then cleans up what earlier stages
// created. Cleanup failures are logged only.
func (x *execution) cancel(reason string) error {
	x.em.record(deployment.LevelWarn, "cancellation requested")
	if _, err := x.update(func(j *deployment.Job) error { return j.Cancel(reason) }); err != nil {
		return x.interrupted(err)
	}
	logger.AddStageSymbol(x.log, string(deployment.StatusCancelled)).Infow("Job cancelled")
	x.cleanup()
	x.finish(deployment.StatusCancelled)
	return nil
}

func (x *execution) cleanup() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(x.ctx), x.cfg.CleanupTimeout)
	defer cancel()

	job := x.job
	if job.ServiceEndpoint != "" && x.exec.platform != nil {
		req := x.deployRequest()
		if err := x.exec.platform.Teardown(ctx, req); err != nil {
			x.log.Warnw("Teardown after cancel failed", logger.FieldEndpoint, job.ServiceEndpoint, logger.FieldError, err)
		} else {
			x.log.Infow("Tore down cancelled deployment", logger.FieldEndpoint, job.ServiceEndpoint)
		}
	}
	if job.ArtifactRef != "" && x.exec.builder != nil {
		if err := x.exec.builder.Cleanup(ctx, job.ArtifactRef); err != nil {
			x.log.Warnw("Artifact cleanup after cancel failed", logger.FieldArtifact, job.ArtifactRef, logger.FieldError, err)
		} else {
			x.log.Infow("Removed cancelled artifact", logger.FieldArtifact, job.ArtifactRef)
		}
	}
}

// interrupted leaves the job for recovery.
func (x *execution) interrupted(err error) error {
	x.log.Infow("Execution interrupted", logger.FieldStatus, x.job.Status, logger.FieldError, err)
	return errors.Mark(errors.Wrap(err, "execution interrupted"), ErrInterrupted)
}

// finish records the terminal outcome metric.
func (x *execution) finish(status deployment.Status) {
	x.exec.ins.JobsFinished.Add(x.ctx, 1,
		metric.WithAttributes(attribute.String(logger.FieldStatus, string(status))))
}

func (x *execution) deployRequest() DeployRequest {
	req := DeployRequest{
		JobID:       x.run.JobID,
		AgentID:     x.job.AgentID,
		ArtifactRef: x.job.ArtifactRef,
	}
	if x.config != nil {
		req.Config = *x.config
	}
	return req
}

func sleepOrCancel(ctx context.Context, d time.Duration, cancel <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-cancel:
		return false
	}
}
