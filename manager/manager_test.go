package manager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/fanout"
	deploytest "github.com/teranos/agentdeploy/internal/testing"
	"github.com/teranos/agentdeploy/jobstore"
	"github.com/teranos/agentdeploy/logsink"
)

const validConfig = `{"name":"weather","runtime":"python","port":8080,"source":"./src"}`

type fixture struct {
	mgr   *Manager
	store *jobstore.Store
	sink  *logsink.SQLSink
	hub   *fanout.Hub
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := deploytest.CreateTestDB(t)
	store := jobstore.NewStore(db)
	hub := fanout.NewHub(store.Get, 4, nil)
	store.SetNotifier(hub)
	t.Cleanup(hub.Close)
	sink := logsink.NewSQLSink(db)
	return &fixture{
		mgr:   New(store, sink, hub, opts, nil),
		store: store,
		sink:  sink,
		hub:   hub,
	}
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingNotifier) NotifyQueued(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, jobID)
	return r.err
}

type recordingCanceller struct {
	running map[string]bool
	got     []string
}

func (r *recordingCanceller) SignalCancel(jobID string) bool {
	r.got = append(r.got, jobID)
	return r.running[jobID]
}

func TestSubmitCreatesQueuedJob(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	n := &recordingNotifier{}
	f.mgr.SetNotifier(n)

	id, err := f.mgr.Submit(ctx, "agent-1", "user-1", json.RawMessage(validConfig))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := f.mgr.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, "agent-1", job.AgentID)
	assert.Equal(t, "user-1", job.RequesterID)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	require.Len(t, job.StepHistory, len(deployment.Stages))
	for i, step := range job.StepHistory {
		assert.Equal(t, deployment.Stages[i], step.Name)
		assert.Equal(t, deployment.StepPending, step.Status)
	}
	assert.Equal(t, []string{id}, n.ids)
}

func TestSubmitAcceptsIncompleteConfig(t *testing.T) {
	f := newFixture(t, Options{})

	// Field checks belong to the validating stage.
	id, err := f.mgr.Submit(context.Background(), "agent-1", "user-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestSubmitRejectsMalformedInput(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name      string
		agent     string
		requester string
		config    string
	}{
		{"missing agent", "", "user-1", validConfig},
		{"blank agent", "   ", "user-1", validConfig},
		{"missing requester", "agent-1", "", validConfig},
		{"empty config", "agent-1", "user-1", ""},
		{"config not an object", "agent-1", "user-1", `[1,2]`},
		{"config null", "agent-1", "user-1", `null`},
		{"config not json", "agent-1", "user-1", `{name:`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.Submit(ctx, tt.agent, tt.requester, json.RawMessage(tt.config))
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)
		})
	}

	jobs, err := f.mgr.List(ctx, jobstore.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submits must not create jobs")
}

func TestSubmitSurvivesNotifierFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.mgr.SetNotifier(&recordingNotifier{err: errors.New("broker unreachable")})

	id, err := f.mgr.Submit(context.Background(), "agent-1", "user-1", json.RawMessage(validConfig))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestSerializePerAgent(t *testing.T) {
	f := newFixture(t, Options{SerializePerAgent: true})
	ctx := context.Background()

	first, err := f.mgr.Submit(ctx, "agent-1", "user-1", json.RawMessage(validConfig))
	require.NoError(t, err)

	_, err = f.mgr.Submit(ctx, "agent-1", "user-1", json.RawMessage(validConfig))
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	_, err = f.mgr.Submit(ctx, "agent-2", "user-1", json.RawMessage(validConfig))
	require.NoError(t, err, "other agents are not affected")

	// Once the first job is terminal the agent is free again.
	job, lease, err := f.store.Claim(ctx, "worker-a", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, first, job.ID)
	_, err = f.store.Update(ctx, first, lease, func(j *deployment.Job) error { return j.Cancel("") })
	require.NoError(t, err)

	_, err = f.mgr.Submit(ctx, "agent-1", "user-1", json.RawMessage(validConfig))
	assert.NoError(t, err)
}

func TestConcurrentSubmitsWithoutSerialization(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Submit(ctx, "agent-1", "user-1", json.RawMessage(validConfig))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	jobs, err := f.mgr.List(ctx, jobstore.ListFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, jobs, 10)
}

func TestSubmitRateLimit(t *testing.T) {
	f := newFixture(t, Options{SubmitRatePerMinute: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.mgr.Submit(ctx, "agent-1", "user-1", json.RawMessage(validConfig))
		require.NoError(t, err)
	}
	_, err := f.mgr.Submit(ctx, "agent-1", "user-1", json.RawMessage(validConfig))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRateLimited))

	_, err = f.mgr.Submit(ctx, "agent-1", "user-2", json.RawMessage(validConfig))
	assert.NoError(t, err, "limits are per requester")
}

func TestGetStatusUnknownJob(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.mgr.GetStatus(context.Background(), "no-such-job")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestGetLogs(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	id, err := f.mgr.Submit(ctx, "agent-1", "user-1", json.RawMessage(validConfig))
	require.NoError(t, err)

	_, err = f.mgr.GetLogs(ctx, id)
	assert.True(t, errors.IsNotFoundError(err), "no lines yet reads as not found")

	entry := deployment.NewLogEntry(deployment.StatusValidating, deployment.LevelInfo, "checking config")
	require.NoError(t, f.sink.Append(ctx, id, entry))

	text, err := f.mgr.GetLogs(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, text, "[validating] checking config")
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c := &recordingCanceller{}
	f.mgr.AddCanceller(c)

	id, err := f.mgr.Submit(ctx, "agent-1", "user-1", json.RawMessage(validConfig))
	require.NoError(t, err)

	job, err := f.mgr.Cancel(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, job.CancelRequestedAt)
	assert.Equal(t, deployment.StatusQueued, job.Status, "the manager never moves status")
	assert.Equal(t, []string{id}, c.got)

	again, err := f.mgr.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.Version, again.Version, "a repeated request changes nothing")
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c := &recordingCanceller{}
	f.mgr.AddCanceller(c)

	id, err := f.mgr.Submit(ctx, "agent-1", "user-1", json.RawMessage(validConfig))
	require.NoError(t, err)
	_, lease, err := f.store.Claim(ctx, "worker-a", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	done, err := f.store.Update(ctx, id, lease, func(j *deployment.Job) error {
		return j.Fail(errors.NewValidationError("missing required field: name"))
	})
	require.NoError(t, err)

	job, err := f.mgr.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusFailed, job.Status)
	assert.Nil(t, job.CancelRequestedAt)
	assert.Equal(t, done.Version, job.Version)
	assert.Empty(t, c.got, "terminal jobs are not signalled")
}

func TestCancelUnknownJob(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.mgr.Cancel(context.Background(), "no-such-job")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	id, err := f.mgr.Submit(ctx, "agent-1", "user-1", json.RawMessage(validConfig))
	require.NoError(t, err)

	sub, err := f.mgr.Subscribe(ctx, id)
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.C()
	assert.Equal(t, deployment.StatusQueued, first.Status)

	_, err = f.mgr.Cancel(ctx, id)
	require.NoError(t, err)

	select {
	case next := <-sub.C():
		assert.NotNil(t, next.CancelRequestedAt)
		assert.Greater(t, next.Version, first.Version)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after cancel request")
	}

	_, err = f.mgr.Subscribe(ctx, "no-such-job")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestList(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, agent := range []string{"agent-1", "agent-2", "agent-1"} {
		_, err := f.mgr.Submit(ctx, agent, "user-1", json.RawMessage(validConfig))
		require.NoError(t, err)
	}

	jobs, err := f.mgr.List(ctx, jobstore.ListFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = f.mgr.List(ctx, jobstore.ListFilter{Status: deployment.StatusQueued, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = f.mgr.List(ctx, jobstore.ListFilter{Status: "sleeping"})
	assert.True(t, errors.IsInvalidRequestError(err))
}
