package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/db"
	"github.com/taskhive/taskhive/internal/events"
	"github.com/taskhive/taskhive/internal/events/bus"
	"github.com/taskhive/taskhive/internal/notify"
	"github.com/taskhive/taskhive/internal/storage"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

type fakeTerminator struct {
	mu   sync.Mutex
	pids []int
}

func (f *fakeTerminator) Terminate(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids = append(f.pids, pid)
	return nil
}

type fakeLauncher struct {
	specs []LaunchSpec
	pid   int
}

func (f *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (int, error) {
	f.specs = append(f.specs, spec)
	return f.pid, nil
}

type testEnv struct {
	store      *storage.Store
	agents     *notify.AgentNotifier
	tasks      *notify.TaskNotifier
	service    *Service
	terminator *fakeTerminator
	launcher   *fakeLauncher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	handle, err := db.OpenSQLite(filepath.Join(t.TempDir(), "taskhive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })

	store := storage.New(handle, nil)
	require.NoError(t, store.InitSchema(context.Background()))

	agentEvents := notify.NewAgentNotifier(bus.SubscribeOptions{Capacity: 64}, nil)
	t.Cleanup(agentEvents.Close)
	taskEvents := notify.NewTaskNotifier(bus.SubscribeOptions{Capacity: 64}, nil)
	t.Cleanup(taskEvents.Close)

	terminator := &fakeTerminator{}
	launcher := &fakeLauncher{pid: 4242}
	return &testEnv{
		store:      store,
		agents:     agentEvents,
		tasks:      taskEvents,
		service:    NewService(store, agentEvents, taskEvents, launcher, terminator, nil),
		terminator: terminator,
		launcher:   launcher,
	}
}

func (e *testEnv) insertWorkItem(t *testing.T, personaID, agentID string, status v1.WorkItemStatus) string {
	t.Helper()
	now := time.Now().UTC()
	item := &v1.WorkItem{
		ID:          uuid.New().String(),
		PersonaID:   personaID,
		AgentID:     agentID,
		Description: "work",
		Priority:    v1.PriorityNormal,
		Status:      status,
		CreatedAt:   now,
	}
	if status == v1.WorkItemStatusInProgress {
		item.StartedAt = &now
	}
	ctx, scope, err := e.store.WriteScope(context.Background())
	require.NoError(t, err)
	defer scope.Close()
	require.NoError(t, scope.InsertWorkItem(ctx, item))
	require.NoError(t, scope.Complete())
	return item.ID
}

func (e *testEnv) itemStatus(t *testing.T, id string) v1.WorkItemStatus {
	t.Helper()
	ctx, scope, err := e.store.ReadScope(context.Background())
	require.NoError(t, err)
	defer scope.Close()
	item, err := scope.GetWorkItem(ctx, id)
	require.NoError(t, err)
	return item.Status
}

func recvAgentEvent(t *testing.T, ch <-chan notify.AgentEnvelope) notify.AgentEnvelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent event")
		return notify.AgentEnvelope{}
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Register(ctx, RegisterRequest{WorkingDirectory: "/tmp"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = env.service.Register(ctx, RegisterRequest{PersonaID: "planner"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRegisterPublishesEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := env.agents.SubscribeAll(ctx)

	agent, err := env.service.Register(ctx, RegisterRequest{
		PersonaID: "planner", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusStarting, agent.Status)
	assert.Equal(t, agent.RegisteredAt, agent.LastHeartbeat)

	ev := recvAgentEvent(t, ch)
	assert.Equal(t, events.AgentRegistered, ev.Type)
	assert.Equal(t, agent.ID, ev.Payload.AgentID())
}

func TestHeartbeatTransitionsStartingToRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ok, err := env.service.UpdateHeartbeat(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	agent, err := env.service.Register(ctx, RegisterRequest{
		PersonaID: "planner", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	ch := env.agents.SubscribeForAgent(ctx, agent.ID)

	ok, err = env.service.UpdateHeartbeat(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ev := recvAgentEvent(t, ch)
	assert.Equal(t, events.AgentStatusChanged, ev.Type)
	change := ev.Payload.(events.AgentStatusChangedPayload)
	assert.Equal(t, v1.AgentStatusStarting, change.From)
	assert.Equal(t, v1.AgentStatusRunning, change.To)

	got, err := env.service.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	// A second heartbeat bumps the timestamp without another transition.
	ok, err = env.service.UpdateHeartbeat(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMarkRunningIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent, err := env.service.Register(ctx, RegisterRequest{
		PersonaID: "implementer", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, env.service.MarkRunning(ctx, agent.ID, 1234))
	require.NoError(t, env.service.MarkRunning(ctx, agent.ID, 1234))

	got, err := env.service.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusRunning, got.Status)
	assert.Equal(t, 1234, got.ProcessID)
	require.NotNil(t, got.StartedAt)

	// Terminated agents are not resurrected.
	require.NoError(t, env.service.Stop(ctx, agent.ID))
	err = env.service.MarkRunning(ctx, agent.ID, 1234)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestStop(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent, err := env.service.Register(ctx, RegisterRequest{
		PersonaID: "reviewer", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	ch := env.agents.SubscribeForAgent(ctx, agent.ID)
	require.NoError(t, env.service.Stop(ctx, agent.ID))

	ev := recvAgentEvent(t, ch)
	change := ev.Payload.(events.AgentStatusChangedPayload)
	assert.Equal(t, v1.AgentStatusStopped, change.To)

	got, err := env.service.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusStopped, got.Status)
	require.NotNil(t, got.StoppedAt)
}

func TestKillReclaimsInProgressWork(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	victim, err := env.service.Register(ctx, RegisterRequest{
		PersonaID: "implementer", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, env.service.MarkRunning(ctx, victim.ID, 5555))

	bystander, err := env.service.Register(ctx, RegisterRequest{
		PersonaID: "implementer", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	inProgress := env.insertWorkItem(t, "implementer", victim.ID, v1.WorkItemStatusInProgress)
	pending := env.insertWorkItem(t, "implementer", victim.ID, v1.WorkItemStatusPending)
	others := env.insertWorkItem(t, "implementer", bystander.ID, v1.WorkItemStatusInProgress)

	agentCh := env.agents.SubscribeForAgent(ctx, victim.ID)
	taskCh, err := env.tasks.SubscribeTaskIDs(ctx, inProgress)
	require.NoError(t, err)

	reclaimed, err := env.service.Kill(ctx, victim.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	// Subprocess signalled through the terminator.
	assert.Equal(t, []int{5555}, env.terminator.pids)

	// In-progress work failed with the termination marker; pending work is
	// still claimable; another agent's work untouched.
	assert.Equal(t, v1.WorkItemStatusFailed, env.itemStatus(t, inProgress))
	assert.Equal(t, v1.WorkItemStatusPending, env.itemStatus(t, pending))
	assert.Equal(t, v1.WorkItemStatusInProgress, env.itemStatus(t, others))

	readCtx, scope, err := env.store.ReadScope(ctx)
	require.NoError(t, err)
	item, err := scope.GetWorkItem(readCtx, inProgress)
	require.NoError(t, err)
	require.NoError(t, scope.Close())
	assert.Contains(t, item.Result, v1.AgentTerminatedReason)

	killedEv := recvAgentEvent(t, agentCh)
	assert.Equal(t, events.AgentKilled, killedEv.Type)
	killed := killedEv.Payload.(events.AgentKilledPayload)
	assert.Equal(t, 1, killed.ReclaimedWork)

	select {
	case ev := <-taskCh:
		assert.Equal(t, events.TaskFailed, ev.Type)
		failed := ev.Payload.(events.TaskFailedPayload)
		assert.Equal(t, v1.AgentTerminatedReason, failed.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no task failed event for reclaimed work")
	}

	got, err := env.service.Get(ctx, victim.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusKilled, got.Status)
	require.NotNil(t, got.StoppedAt)
}

func TestKillUnknownAgentIsNoop(t *testing.T) {
	env := newTestEnv(t)

	reclaimed, err := env.service.Kill(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	assert.Empty(t, env.terminator.pids)
}

func TestKillWithoutPidSkipsTerminator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent, err := env.service.Register(ctx, RegisterRequest{
		PersonaID: "implementer", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	_, err = env.service.Kill(ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, env.terminator.pids)
}

func TestLaunch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var createdFor string
	agent, err := env.service.Launch(ctx, LaunchRequest{
		PersonaID:        "implementer",
		Description:      "fix the flaky test",
		WorkingDirectory: t.TempDir(),
		WorktreeName:     "fix-flake",
		Model:            "large",
	}, func(_ context.Context, agentID string) error {
		createdFor = agentID
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, agent.ID, createdFor)
	assert.Equal(t, v1.AgentStatusRunning, agent.Status)
	assert.Equal(t, 4242, agent.ProcessID)

	require.Len(t, env.launcher.specs, 1)
	spec := env.launcher.specs[0]
	assert.Equal(t, agent.ID, spec.AgentID)
	assert.Equal(t, "fix the flaky test", spec.Description)
	assert.Equal(t, "fix-flake", spec.WorktreeName)
}

func TestListFiltersByPersona(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Register(ctx, RegisterRequest{
		PersonaID: "implementer", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)
	_, err = env.service.Register(ctx, RegisterRequest{
		PersonaID: "reviewer", WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	all, err := env.service.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	reviewers, err := env.service.List(ctx, "reviewer")
	require.NoError(t, err)
	require.Len(t, reviewers, 1)
	assert.Equal(t, "reviewer", reviewers[0].PersonaID)
}
