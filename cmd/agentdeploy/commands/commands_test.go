package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentdeploy/collab/directory"
	"github.com/teranos/agentdeploy/config"
	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/jobstore"
)

// useConfig writes a config file into a fresh working directory and points
// --config at it.
func useConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	body := fmt.Sprintf(`[database]
path = %q

[build]
work_dir = %q

[platform]
base_url = "http://127.0.0.1:1"

[scheduler]
poll_interval = "50ms"
heartbeat_interval = "100ms"
stale_after = "2s"
shutdown_timeout = "2s"
`, filepath.Join(dir, "jobs.db"), filepath.Join(dir, "builds")) + extra

	path := filepath.Join(dir, "agentdeploy-test.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	prev := ConfigFile
	ConfigFile = path
	t.Cleanup(func() { ConfigFile = prev })
	return dir
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadDeploymentConfig(t *testing.T) {
	t.Run("yaml is converted to json", func(t *testing.T) {
		path := writeFile(t, "deploy.yaml", "name: svc\nruntime: python\nport: 8080\nenv:\n  LOG_LEVEL: debug\n")
		raw, err := readDeploymentConfig(path)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"svc","runtime":"python","port":8080,"env":{"LOG_LEVEL":"debug"}}`, string(raw))
	})

	t.Run("json is passed through", func(t *testing.T) {
		path := writeFile(t, "deploy.json", `{"name":"svc","image":"ghcr.io/acme/svc:1"}`)
		raw, err := readDeploymentConfig(path)
		require.NoError(t, err)
		assert.Equal(t, `{"name":"svc","image":"ghcr.io/acme/svc:1"}`, string(raw))
	})

	t.Run("non-mapping is rejected", func(t *testing.T) {
		path := writeFile(t, "list.yaml", "- one\n- two\n")
		_, err := readDeploymentConfig(path)
		require.Error(t, err)
		assert.NotEmpty(t, errors.GetAllHints(err))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readDeploymentConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

func TestNewPlatform(t *testing.T) {
	cfg := &config.Config{Platform: config.PlatformConfig{Kind: "http", Timeout: time.Second}}
	_, err := newPlatform(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, errors.GetAllHints(err)[0], "platform.base_url")

	cfg.Platform.BaseURL = "http://platform.internal:8080"
	p, err := newPlatform(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestNewDirectory(t *testing.T) {
	cfg := &config.Config{Directory: config.DirectoryConfig{Agents: []string{"agent-1"}}}
	dir, err := newDirectory(cfg)
	require.NoError(t, err)
	require.IsType(t, &directory.Static{}, dir)

	ok, err := dir.AgentExists(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	cfg.Directory.URL = "http://directory.internal"
	dir, err = newDirectory(cfg)
	require.NoError(t, err)
	assert.IsType(t, &directory.HTTP{}, dir)
}

func TestEngine_RunsSubmittedJob(t *testing.T) {
	useConfig(t, "workers = 1\n")
	cfg, err := loadConfig()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := newEngine(ctx, cfg, true)
	require.NoError(t, err)
	require.NotNil(t, eng.scheduler)
	require.NoError(t, eng.start(ctx))
	defer eng.stop()

	// Missing runtime and source: the validating stage fails the job.
	jobID, err := eng.manager.Submit(ctx, "agent-1", "user-1", json.RawMessage(`{"name":"svc"}`))
	require.NoError(t, err)

	var job *deployment.Job
	require.Eventually(t, func() bool {
		job, err = eng.manager.GetStatus(ctx, jobID)
		return err == nil && job.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, deployment.StatusFailed, job.Status)
	require.NotNil(t, job.Failure)
	assert.Equal(t, deployment.FailureValidation, job.Failure.Kind)

	assert.Eventually(t, func() bool {
		logs, err := eng.manager.GetLogs(ctx, jobID)
		return err == nil && strings.Contains(logs, "missing required field")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEngine_WithoutWorkersLeavesJobsQueued(t *testing.T) {
	useConfig(t, "workers = 0\n")
	cfg, err := loadConfig()
	require.NoError(t, err)

	ctx := context.Background()
	eng, err := newEngine(ctx, cfg, true)
	require.NoError(t, err)
	assert.Nil(t, eng.scheduler)
	require.NoError(t, eng.start(ctx))
	defer eng.stop()

	jobID, err := eng.manager.Submit(ctx, "agent-1", "user-1", json.RawMessage(`{"name":"svc"}`))
	require.NoError(t, err)

	job, err := eng.manager.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusQueued, job.Status)
}

func TestJobsClient_SubmitListCancel(t *testing.T) {
	useConfig(t, "")
	ctx := context.Background()

	c, err := openJobsClient(ctx)
	require.NoError(t, err)
	defer c.close()

	jobID, err := c.manager.Submit(ctx, "agent-1", "alice", json.RawMessage(`{"name":"svc"}`))
	require.NoError(t, err)

	jobs, err := c.manager.List(ctx, jobstore.ListFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].ID)

	_, err = c.manager.GetLogs(ctx, jobID)
	assert.True(t, errors.IsNotFoundError(err))

	job, err := c.manager.Cancel(ctx, jobID)
	require.NoError(t, err)
	assert.NotNil(t, job.CancelRequestedAt)
	assert.False(t, job.Status.IsTerminal())
}

func TestWatchTitle(t *testing.T) {
	job := deployment.New("agent-1", "alice", json.RawMessage(`{}`))
	assert.Contains(t, watchTitle(job), string(deployment.StatusQueued))

	job.Status = deployment.StatusBuilding
	job.CurrentStep = "Build attempt 2 of 3"
	assert.Contains(t, watchTitle(job), "Build attempt 2 of 3")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
