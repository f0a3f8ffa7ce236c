package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/events"
	"github.com/taskhive/taskhive/internal/events/bus"
)

func defaultOpts() bus.SubscribeOptions {
	return bus.SubscribeOptions{Capacity: 16, Overflow: bus.OverflowBlock}
}

func recvTask(t *testing.T, ch <-chan TaskEnvelope) TaskEnvelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task event")
		return TaskEnvelope{}
	}
}

func assertNoTask(t *testing.T, ch <-chan TaskEnvelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected event: %s for %s", env.Type, env.Payload.TaskID())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeForAgent(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.SubscribeForAgent(ctx, "agent-1")

	require.NoError(t, n.PublishClaimed(ctx, events.TaskClaimedPayload{
		ID: "t1", PersonaID: "implementer", AgentID: "agent-2"}))
	require.NoError(t, n.PublishClaimed(ctx, events.TaskClaimedPayload{
		ID: "t2", PersonaID: "implementer", AgentID: "agent-1"}))

	env := recvTask(t, ch)
	assert.Equal(t, "t2", env.Payload.TaskID())
	assertNoTask(t, ch)
}

func TestSubscribeClaimableFor(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.SubscribeClaimableFor(ctx, "agent-1", "implementer")

	// Pool work for the agent's persona: visible.
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t1", PersonaID: "implementer"}))
	// Pool work for another persona: invisible.
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t2", PersonaID: "reviewer"}))
	// Pre-assigned to another agent, even in the right persona: invisible.
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t3", PersonaID: "implementer", AgentID: "agent-2"}))
	// Pre-assigned to this agent: visible.
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t4", PersonaID: "implementer", AgentID: "agent-1"}))
	// Non-created events never wake the claim loop.
	require.NoError(t, n.PublishCompleted(ctx, events.TaskCompletedPayload{
		ID: "t1", PersonaID: "implementer", AgentID: "agent-1"}))

	assert.Equal(t, "t1", recvTask(t, ch).Payload.TaskID())
	assert.Equal(t, "t4", recvTask(t, ch).Payload.TaskID())
	assertNoTask(t, ch)
}

func TestSubscribeForPersonaPoolOnly(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.SubscribeForPersona(ctx, "implementer")

	// Pool work for the persona: visible.
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t1", PersonaID: "implementer"}))
	// Pre-assigned to an agent: not a pool pickup.
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t2", PersonaID: "implementer", AgentID: "agent-1"}))
	// Another persona's pool: invisible.
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t3", PersonaID: "reviewer"}))
	// Lifecycle events for the persona's work never arrive here.
	require.NoError(t, n.PublishClaimed(ctx, events.TaskClaimedPayload{
		ID: "t1", PersonaID: "implementer", AgentID: "agent-2"}))

	assert.Equal(t, "t1", recvTask(t, ch).Payload.TaskID())
	assertNoTask(t, ch)
}

func TestSubscribeTaskIDs(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := n.SubscribeTaskIDs(ctx, "t1", "t3")
	require.NoError(t, err)

	require.NoError(t, n.PublishCompleted(ctx, events.TaskCompletedPayload{
		ID: "t2", PersonaID: "implementer", AgentID: "agent-1"}))
	// Non-terminal events for a watched item are filtered out.
	require.NoError(t, n.PublishClaimed(ctx, events.TaskClaimedPayload{
		ID: "t3", PersonaID: "implementer", AgentID: "agent-1"}))
	require.NoError(t, n.PublishFailed(ctx, events.TaskFailedPayload{
		ID: "t3", PersonaID: "implementer", AgentID: "agent-1", Reason: "boom"}))

	env := recvTask(t, ch)
	assert.Equal(t, events.TaskFailed, env.Type)
	assert.Equal(t, "t3", env.Payload.TaskID())
	assertNoTask(t, ch)
}

func TestSubscribeTaskIDsEmptySet(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	_, err := n.SubscribeTaskIDs(context.Background())
	assert.ErrorIs(t, err, ErrNoTaskIDs)
}

func TestPublishValidation(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	ctx := context.Background()

	err := n.PublishCreated(ctx, events.TaskCreatedPayload{ID: "t1"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	err = n.PublishCreated(ctx, events.TaskCreatedPayload{PersonaID: "implementer"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	err = n.PublishClaimed(ctx, events.TaskClaimedPayload{ID: "t1", PersonaID: "implementer"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	err = n.PublishCompleted(ctx, events.TaskCompletedPayload{ID: "t1", PersonaID: "implementer"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	err = n.PublishFailed(ctx, events.TaskFailedPayload{PersonaID: "implementer", AgentID: "agent-1"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestTryConsumeSingleDelivery(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t1", PersonaID: "implementer"}))

	// Exactly one consumer of the persona pool gets the notification.
	id, ok := n.TryConsumeTaskCreated("agent-1", "implementer")
	require.True(t, ok)
	assert.Equal(t, "t1", id)

	_, ok = n.TryConsumeTaskCreated("agent-2", "implementer")
	assert.False(t, ok)
}

func TestTryConsumePrefersAgentQueue(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "pool", PersonaID: "implementer"}))
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "mine", PersonaID: "implementer", AgentID: "agent-1"}))

	id, ok := n.TryConsumeTaskCreated("agent-1", "implementer")
	require.True(t, ok)
	assert.Equal(t, "mine", id)

	id, ok = n.TryConsumeTaskCreated("agent-1", "implementer")
	require.True(t, ok)
	assert.Equal(t, "pool", id)

	_, ok = n.TryConsumeTaskCreated("agent-1", "implementer")
	assert.False(t, ok)
}

func TestTryConsumeWrongPersonaSeesNothing(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	require.NoError(t, n.PublishCreated(context.Background(), events.TaskCreatedPayload{
		ID: "t1", PersonaID: "implementer"}))

	_, ok := n.TryConsumeTaskCreated("agent-9", "reviewer")
	assert.False(t, ok)
	assert.Equal(t, 1, n.PendingNotifications("", "implementer"))
}

func TestClaimRetiresMailboxNotification(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t1", PersonaID: "implementer"}))
	require.NoError(t, n.PublishClaimed(ctx, events.TaskClaimedPayload{
		ID: "t1", PersonaID: "implementer", AgentID: "agent-1"}))

	_, ok := n.TryConsumeTaskCreated("agent-2", "implementer")
	assert.False(t, ok, "claimed work should not be offered to consumers")
}

func TestMailboxKeepsLatestHint(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t1", PersonaID: "implementer"}))
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t2", PersonaID: "implementer"}))

	// A newer creation for the same pool replaces the unconsumed hint.
	id, ok := n.TryConsumeTaskCreated("agent-1", "implementer")
	require.True(t, ok)
	assert.Equal(t, "t2", id)

	_, ok = n.TryConsumeTaskCreated("agent-1", "implementer")
	assert.False(t, ok)
}

func TestCompletionRetiresMailboxHint(t *testing.T) {
	n := NewTaskNotifier(defaultOpts(), nil)
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.PublishCreated(ctx, events.TaskCreatedPayload{
		ID: "t1", PersonaID: "implementer"}))
	require.NoError(t, n.PublishCompleted(ctx, events.TaskCompletedPayload{
		ID: "t1", PersonaID: "implementer", AgentID: "agent-1"}))

	_, ok := n.TryConsumeTaskCreated("agent-2", "implementer")
	assert.False(t, ok, "terminal work should not be offered to consumers")
}

func TestAgentNotifierSubscriptions(t *testing.T) {
	n := NewAgentNotifier(defaultOpts(), nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := n.SubscribeAll(ctx)
	one := n.SubscribeForAgent(ctx, "agent-1")

	require.NoError(t, n.PublishRegistered(ctx, events.AgentRegisteredPayload{
		ID: "agent-2", PersonaID: "reviewer"}))
	require.NoError(t, n.PublishKilled(ctx, events.AgentKilledPayload{
		ID: "agent-1", PersonaID: "implementer", ReclaimedWork: 2}))

	first := <-all
	second := <-all
	assert.Equal(t, events.AgentRegistered, first.Type)
	assert.Equal(t, events.AgentKilled, second.Type)

	env := <-one
	assert.Equal(t, "agent-1", env.Payload.AgentID())
	killed, ok := env.Payload.(events.AgentKilledPayload)
	require.True(t, ok)
	assert.Equal(t, 2, killed.ReclaimedWork)
}
