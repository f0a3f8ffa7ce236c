package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/db"
	"github.com/taskhive/taskhive/internal/events"
	"github.com/taskhive/taskhive/internal/events/bus"
	"github.com/taskhive/taskhive/internal/notify"
	"github.com/taskhive/taskhive/internal/storage"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

type testEnv struct {
	store    *storage.Store
	tasks    *notify.TaskNotifier
	agents   *notify.AgentNotifier
	recorder *Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	handle, err := db.OpenSQLite(filepath.Join(t.TempDir(), "taskhive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })

	store := storage.New(handle, nil)
	require.NoError(t, store.InitSchema(context.Background()))

	tasks := notify.NewTaskNotifier(bus.SubscribeOptions{Capacity: 64}, nil)
	t.Cleanup(tasks.Close)
	agents := notify.NewAgentNotifier(bus.SubscribeOptions{Capacity: 64}, nil)
	t.Cleanup(agents.Close)

	recorder := NewRecorder(store, tasks, agents,
		bus.SubscribeOptions{Capacity: 256, Overflow: bus.OverflowDropOldest}, nil)
	return &testEnv{store: store, tasks: tasks, agents: agents, recorder: recorder}
}

func (e *testEnv) records(t *testing.T, entityID string) []*storage.AuditRecord {
	t.Helper()
	ctx, scope, err := e.store.ReadScope(context.Background())
	require.NoError(t, err)
	defer scope.Close()
	recs, err := scope.ListAuditRecords(ctx, entityID, 0)
	require.NoError(t, err)
	return recs
}

func TestRecordsTaskAndAgentEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.recorder.Start(ctx)

	require.NoError(t, env.tasks.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t1", PersonaID: "implementer", Priority: v1.PriorityHigh}))
	require.NoError(t, env.tasks.PublishClaimed(ctx, events.TaskClaimedPayload{
		ID: "t1", PersonaID: "implementer", AgentID: "a1"}))
	require.NoError(t, env.tasks.PublishFailed(ctx, events.TaskFailedPayload{
		ID: "t1", PersonaID: "implementer", AgentID: "a1", Reason: "boom"}))
	require.NoError(t, env.agents.PublishKilled(ctx, events.AgentKilledPayload{
		ID: "a1", PersonaID: "implementer", ReclaimedWork: 1}))

	require.Eventually(t, func() bool {
		return len(env.records(t, "")) == 4
	}, 2*time.Second, 20*time.Millisecond)

	env.recorder.Stop()

	taskRecs := env.records(t, "t1")
	require.Len(t, taskRecs, 3)
	// Newest first.
	assert.Equal(t, string(events.TaskFailed), taskRecs[0].EventType)
	assert.Equal(t, storage.EntityTask, taskRecs[0].EntityType)
	assert.Equal(t, "WARNING", taskRecs[0].Severity)
	assert.Equal(t, "a1", taskRecs[0].Actor)
	assert.Contains(t, taskRecs[0].Payload, "boom")
	assert.Equal(t, string(events.TaskCreated), taskRecs[2].EventType)
	assert.Empty(t, taskRecs[2].Actor)
	assert.Contains(t, taskRecs[2].Tags, "persona:implementer")

	agentRecs := env.records(t, "a1")
	require.Len(t, agentRecs, 1)
	assert.Equal(t, string(events.AgentKilled), agentRecs[0].EventType)
	assert.Equal(t, storage.EntityAgent, agentRecs[0].EntityType)
	assert.Equal(t, "a1", agentRecs[0].Actor)
	assert.Equal(t, "WARNING", agentRecs[0].Severity)
	assert.Contains(t, agentRecs[0].Payload, "\"ReclaimedWork\":1")
}

func TestStopDrainsBufferedEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.recorder.Start(ctx)
	for i := 0; i < 10; i++ {
		require.NoError(t, env.tasks.PublishCompleted(ctx, events.TaskCompletedPayload{
			ID: "t1", PersonaID: "implementer", AgentID: "a1"}))
	}
	env.recorder.Stop()

	assert.Len(t, env.records(t, "t1"), 10)
}

func TestRecorderNeverBlocksPublishers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Tiny drop-oldest channel and no consumer head start: publishing far
	// past the capacity must still complete promptly.
	env.recorder.opts = bus.SubscribeOptions{Capacity: 2, Overflow: bus.OverflowDropOldest}
	env.recorder.Start(ctx)
	defer env.recorder.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			_ = env.tasks.PublishCompleted(ctx, events.TaskCompletedPayload{
				ID: "t1", PersonaID: "implementer", AgentID: "a1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publishers blocked behind the audit subscriber")
	}
}
