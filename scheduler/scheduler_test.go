package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	deploytest "github.com/teranos/agentdeploy/internal/testing"
	"github.com/teranos/agentdeploy/jobstore"
	"github.com/teranos/agentdeploy/logsink"
	"github.com/teranos/agentdeploy/pipeline"
)

const validConfig = `{"name":"weather-tools","runtime":"python","port":8080,"image":"registry.local/weather:1"}`

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.StaleAfter = time.Minute
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func newStore(t *testing.T) *jobstore.Store {
	t.Helper()
	return jobstore.NewStore(deploytest.CreateTestDB(t))
}

func submit(t *testing.T, store *jobstore.Store, agentID string) *deployment.Job {
	t.Helper()
	job := deployment.New(agentID, "user-1", json.RawMessage(validConfig))
	require.NoError(t, store.Create(context.Background(), job))
	return job
}

func waitTerminal(t *testing.T, store *jobstore.Store, id string) *deployment.Job {
	t.Helper()
	var job *deployment.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.Get(context.Background(), id)
		return err == nil && job.Status.IsTerminal()
	}, 10*time.Second, 5*time.Millisecond)
	return job
}

// fakeExecutor records claims and, unless run is set, cancels each job so
// it becomes terminal.
type fakeExecutor struct {
	store *jobstore.Store
	run   func(ctx context.Context, run pipeline.Run) error

	mu    sync.Mutex
	order []string
}

func (f *fakeExecutor) Execute(ctx context.Context, run pipeline.Run) error {
	f.mu.Lock()
	f.order = append(f.order, run.JobID)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, run)
	}
	return f.finish(ctx, run, "done")
}

func (f *fakeExecutor) finish(ctx context.Context, run pipeline.Run, reason string) error {
	_, err := f.store.Update(ctx, run.JobID, run.Lease, func(j *deployment.Job) error {
		return j.Cancel(reason)
	})
	return err
}

func (f *fakeExecutor) claimed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func interruptedBy(ctx context.Context) error {
	<-ctx.Done()
	return errors.Mark(errors.Wrap(ctx.Err(), "execution interrupted"), pipeline.ErrInterrupted)
}

func startScheduler(t *testing.T, store *jobstore.Store, exec Executor, cfg Config) *Scheduler {
	t.Helper()
	s := New(store, exec, cfg, zaptest.NewLogger(t).Sugar())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

// --- concurrency bound with the real pipeline --------------------------------

type gauge struct {
	cur, max atomic.Int64
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *gauge) exit() { g.cur.Add(-1) }

type slowBuilder struct{ g *gauge }

func (b *slowBuilder) Build(ctx context.Context, spec pipeline.BuildSpec, ev pipeline.Events) (string, error) {
	b.g.enter()
	defer b.g.exit()
	time.Sleep(2 * time.Millisecond)
	return "image://" + spec.Config.Image, nil
}

func (b *slowBuilder) Cleanup(context.Context, string) error { return nil }

type slowPlatform struct{ g *gauge }

func (p *slowPlatform) Deploy(ctx context.Context, req pipeline.DeployRequest, ev pipeline.Events) (string, error) {
	p.g.enter()
	defer p.g.exit()
	time.Sleep(2 * time.Millisecond)
	return "http://" + req.Config.Name + ".svc:8080", nil
}

func (p *slowPlatform) ProbeHealth(context.Context, string, deployment.Config) (bool, error) {
	return true, nil
}

func (p *slowPlatform) Teardown(context.Context, pipeline.DeployRequest) error { return nil }

func TestSlotsBoundConcurrentPipelines(t *testing.T) {
	db := deploytest.CreateTestDB(t)
	store := jobstore.NewStore(db)
	g := &gauge{}

	pcfg := pipeline.DefaultConfig()
	pcfg.ProbeInterval = 0
	pcfg.FlushInterval = 0
	exec := pipeline.NewExecutor(store, logsink.NewBestEffort(logsink.NewSQLSink(db), time.Second, nil),
		&slowBuilder{g}, &slowPlatform{g}, nil, pcfg)

	cfg := testConfig()
	cfg.Workers = 4

	var ids []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := deployment.New(fmt.Sprintf("agent-%03d", i), "user-1", json.RawMessage(validConfig))
			if assert.NoError(t, store.Create(context.Background(), job)) {
				mu.Lock()
				ids = append(ids, job.ID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, ids, 100)

	s := startScheduler(t, store, exec, cfg)
	s.Wake()

	for _, id := range ids {
		job := waitTerminal(t, store, id)
		assert.Equal(t, deployment.StatusCompleted, job.Status, "job %s", id)
	}
	assert.LessOrEqual(t, g.max.Load(), int64(4))
	assert.Positive(t, g.max.Load())
}

// --- claiming ----------------------------------------------------------------

func TestClaimsInSubmitOrder(t *testing.T) {
	store := newStore(t)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, submit(t, store, "agent-1").ID)
		time.Sleep(2 * time.Millisecond)
	}
	exec := &fakeExecutor{store: store}
	cfg := testConfig()
	cfg.Workers = 1

	startScheduler(t, store, exec, cfg)
	waitTerminal(t, store, ids[len(ids)-1])

	assert.Equal(t, ids, exec.claimed())
}

func TestWakeClaimsImmediately(t *testing.T) {
	store := newStore(t)
	exec := &fakeExecutor{store: store}
	cfg := testConfig()
	cfg.PollInterval = time.Hour

	s := startScheduler(t, store, exec, cfg)
	job := submit(t, store, "agent-1")
	s.Wake()

	got := waitTerminal(t, store, job.ID)
	assert.Equal(t, deployment.StatusCancelled, got.Status)
}

func TestLeaseReleasedAfterRun(t *testing.T) {
	store := newStore(t)
	exec := &fakeExecutor{store: store}
	s := startScheduler(t, store, exec, testConfig())

	job := submit(t, store, "agent-1")
	waitTerminal(t, store, job.ID)

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.LeaseToken == ""
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Running())
}

func TestRecoversStaleJob(t *testing.T) {
	store := newStore(t)
	job := submit(t, store, "agent-1")

	// an executor that claimed the job and died
	dead, _, err := store.Claim(context.Background(), "dead-worker", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, job.ID, dead.ID)

	exec := &fakeExecutor{store: store}
	cfg := testConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	s := startScheduler(t, store, exec, cfg)

	waitTerminal(t, store, job.ID)
	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Owner(), got.Owner)
}

func TestFreshLeaseIsNotStolen(t *testing.T) {
	store := newStore(t)
	job := submit(t, store, "agent-1")
	_, _, err := store.Claim(context.Background(), "busy-worker", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	exec := &fakeExecutor{store: store}
	startScheduler(t, store, exec, testConfig())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, exec.claimed())
	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "busy-worker", got.Owner)
}

// --- cancellation and shutdown -----------------------------------------------

func TestSignalCancelReachesRunningJob(t *testing.T) {
	store := newStore(t)
	started := make(chan struct{})
	exec := &fakeExecutor{store: store}
	exec.run = func(ctx context.Context, run pipeline.Run) error {
		close(started)
		select {
		case <-run.Cancel:
			return exec.finish(ctx, run, "cancelled by user")
		case <-ctx.Done():
			return interruptedBy(ctx)
		}
	}
	s := startScheduler(t, store, exec, testConfig())
	job := submit(t, store, "agent-1")

	<-started
	assert.Equal(t, 1, s.Running())
	assert.True(t, s.SignalCancel(job.ID))
	assert.True(t, s.SignalCancel(job.ID), "signalling twice is safe")
	assert.False(t, s.SignalCancel("unknown"))

	got := waitTerminal(t, store, job.ID)
	assert.Equal(t, deployment.StatusCancelled, got.Status)
	assert.Equal(t, "cancelled by user", got.CurrentStep)
}

func TestStopReleasesInterruptedJob(t *testing.T) {
	store := newStore(t)
	started := make(chan struct{})
	exec := &fakeExecutor{store: store}
	exec.run = func(ctx context.Context, run pipeline.Run) error {
		close(started)
		return interruptedBy(ctx)
	}
	s := New(store, exec, testConfig(), zaptest.NewLogger(t).Sugar())
	s.Start(context.Background())
	job := submit(t, store, "agent-1")

	<-started
	s.Stop()

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, got.Status.IsTerminal())
	assert.Empty(t, got.LeaseToken)

	// claimable right away by another process, without waiting for staleness
	next, _, err := store.Claim(context.Background(), "other-worker", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, job.ID, next.ID)
}

func TestLostLeaseStopsExecution(t *testing.T) {
	store := newStore(t)
	started := make(chan struct{})
	stopped := make(chan error, 1)
	exec := &fakeExecutor{store: store}
	exec.run = func(ctx context.Context, run pipeline.Run) error {
		close(started)
		err := interruptedBy(ctx)
		stopped <- err
		return err
	}
	startScheduler(t, store, exec, testConfig())
	job := submit(t, store, "agent-1")
	<-started

	// another scheduler takes the job over
	_, _, err := store.Claim(context.Background(), "thief", time.Now().Add(time.Hour))
	require.NoError(t, err)

	select {
	case err := <-stopped:
		assert.True(t, errors.Is(err, pipeline.ErrInterrupted))
	case <-time.After(5 * time.Second):
		t.Fatal("execution kept running after its lease was taken")
	}

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "thief", got.Owner)
	assert.NotEmpty(t, got.LeaseToken, "releasing a lost lease must not drop the new holder's lease")
}

func TestInterruptedJobIsReleasedAfterDelay(t *testing.T) {
	store := newStore(t)
	var (
		mu    sync.Mutex
		times []time.Time
		runs  []pipeline.Run
	)
	exec := &fakeExecutor{store: store}
	exec.run = func(ctx context.Context, run pipeline.Run) error {
		mu.Lock()
		times = append(times, time.Now())
		runs = append(runs, run)
		n := len(runs)
		mu.Unlock()
		if n == 1 {
			return errors.Mark(errors.New("database is locked"), pipeline.ErrInterrupted)
		}
		return exec.finish(ctx, run, "done")
	}
	cfg := testConfig()
	cfg.Workers = 1
	cfg.HeartbeatInterval = 100 * time.Millisecond
	startScheduler(t, store, exec, cfg)

	job := submit(t, store, "agent-1")
	waitTerminal(t, store, job.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, runs, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), cfg.HeartbeatInterval)
	assert.False(t, runs[1].Lease.TakenOver, "a released lease is not a takeover")
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(newStore(t), &fakeExecutor{}, testConfig(), nil)
	s.Stop()
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

// --- memory ------------------------------------------------------------------

func TestUnderPressureSkipsClaims(t *testing.T) {
	store := newStore(t)
	job := submit(t, store, "agent-1")
	exec := &fakeExecutor{store: store}

	cfg := testConfig()
	cfg.MinFreeMemoryMB = 512
	s := New(store, exec, cfg, zaptest.NewLogger(t).Sugar())
	s.memStats = func() (uint64, uint64, error) { return 8 * 1024 * mb, 100 * mb, nil }
	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()
	assert.Empty(t, exec.claimed())

	s = New(store, exec, cfg, zaptest.NewLogger(t).Sugar())
	s.memStats = func() (uint64, uint64, error) { return 8 * 1024 * mb, 4 * 1024 * mb, nil }
	s.Start(context.Background())
	defer s.Stop()
	waitTerminal(t, store, job.ID)
}

func TestSafeSlotCount(t *testing.T) {
	assert.Equal(t, 1, safeSlotCount(512, 512))
	assert.Equal(t, 1, safeSlotCount(1500, 512))
	assert.Equal(t, 6, safeSlotCount(4096, 512))
	assert.Equal(t, 1, safeSlotCount(4096, 0))
}

func TestMemoryWarning(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 16
	s := New(newStore(t), &fakeExecutor{}, cfg, nil)

	s.memStats = func() (uint64, uint64, error) { return 8 * 1024 * mb, 2 * 1024 * mb, nil }
	assert.Contains(t, s.memoryWarning(), "16 slots exceed the 2 recommended")

	s.memStats = func() (uint64, uint64, error) { return 0, 0, errors.New("unsupported") }
	assert.Empty(t, s.memoryWarning())

	cfg.Workers = 1
	s = New(newStore(t), &fakeExecutor{}, cfg, nil)
	s.memStats = func() (uint64, uint64, error) { return 8 * 1024 * mb, 2 * 1024 * mb, nil }
	assert.Empty(t, s.memoryWarning())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Workers = -1
	assert.ErrorContains(t, cfg.Validate(), "scheduler.workers")

	cfg = DefaultConfig()
	cfg.StaleAfter = cfg.HeartbeatInterval
	assert.ErrorContains(t, cfg.Validate(), "stale_after")

	cfg = DefaultConfig()
	cfg.PollInterval = 0
	assert.ErrorContains(t, cfg.Validate(), "poll_interval")
}
