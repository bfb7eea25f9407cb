package logsink

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	deploytest "github.com/teranos/agentdeploy/internal/testing"
	"github.com/teranos/agentdeploy/jobstore"
)

func entryAt(sec int, stage deployment.Status, level, msg string) deployment.LogEntry {
	return deployment.LogEntry{
		Timestamp: time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC),
		Level:     level,
		Stage:     stage,
		Message:   msg,
	}
}

// sinkContract runs the behaviour every Sink must provide.
func sinkContract(t *testing.T, sink Sink, jobID string) {
	ctx := context.Background()

	_, err := sink.ReadAll(ctx, jobID)
	assert.True(t, errors.IsNotFoundError(err), "empty log should be NotFound")

	require.NoError(t, sink.Append(ctx, jobID, entryAt(1, deployment.StatusValidating, deployment.LevelInfo, "checking config")))
	require.NoError(t, sink.Append(ctx, jobID, entryAt(2, deployment.StatusBuilding, deployment.LevelWarn, "cache miss")))
	require.NoError(t, sink.Append(ctx, jobID, entryAt(3, deployment.StatusBuilding, deployment.LevelInfo, "step 1/2")))
	require.NoError(t, sink.Append(ctx, "other-job", entryAt(4, deployment.StatusBuilding, deployment.LevelInfo, "unrelated")))

	text, err := sink.ReadAll(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t,
		"2026-03-01T12:00:01Z [validating] checking config\n"+
			"2026-03-01T12:00:02Z [building] WARN: cache miss\n"+
			"2026-03-01T12:00:03Z [building] step 1/2\n",
		text)
}

func TestSQLSink(t *testing.T) {
	db := deploytest.CreateTestDB(t)
	job := deployment.New("agent-1", "user-1", json.RawMessage(`{}`))
	require.NoError(t, jobstore.NewStore(db).Create(context.Background(), job))

	sinkContract(t, NewSQLSink(db), job.ID)
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func (m *memBlobs) put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memBlobs) list(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memBlobs) get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.Newf("no such key %s", key)
	}
	return data, nil
}

func TestMinioSink(t *testing.T) {
	blobs := &memBlobs{objects: make(map[string][]byte)}
	sink := newMinioSink(blobs)

	sinkContract(t, sink, "job-1")

	for key := range blobs.objects {
		assert.True(t, strings.HasPrefix(key, "logs/"), key)
	}
}

func TestMinioSinkKeysSortInAppendOrder(t *testing.T) {
	sink := newMinioSink(&memBlobs{objects: make(map[string][]byte)})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := sink.objectKey("job-1", ts)
	b := sink.objectKey("job-1", ts)
	c := sink.objectKey("job-1", ts.Add(time.Millisecond))
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

type slowSink struct {
	delay time.Duration
}

func (s slowSink) Append(ctx context.Context, _ string, _ deployment.LogEntry) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s slowSink) ReadAll(context.Context, string) (string, error) {
	return "", errors.NewNotFoundError("nothing")
}

func TestBestEffortBoundsWrites(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := NewBestEffort(slowSink{delay: time.Minute}, 20*time.Millisecond, zap.New(core).Sugar())

	start := time.Now()
	err := sink.Append(context.Background(), "job-1", entryAt(1, deployment.StatusBuilding, deployment.LevelInfo, "x"))
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), sink.Failures())
	assert.Equal(t, 1, logs.FilterMessage("Log write failed, continuing").Len())
}

func TestBestEffortSwallowsErrors(t *testing.T) {
	blobs := &memBlobs{objects: make(map[string][]byte), failPut: errors.New("bucket unavailable")}
	sink := NewBestEffort(newMinioSink(blobs), 0, nil)

	// a cancelled caller context must not prevent the write attempt
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, sink.Append(ctx, "job-1", entryAt(1, deployment.StatusBuilding, deployment.LevelInfo, "x")))
	assert.Equal(t, int64(1), sink.Failures())
}
