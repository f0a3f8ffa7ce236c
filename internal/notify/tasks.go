// Package notify layers domain-aware subscription helpers and publication
// entry points over the raw event buses. Services publish through a notifier
// so that filtering rules (per agent, per persona, per task) live in one
// place instead of being rebuilt by every subscriber.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/events"
	"github.com/taskhive/taskhive/internal/events/bus"
)

// ErrInvalidEvent is returned when a publish is missing a required field.
var ErrInvalidEvent = errors.New("invalid task event")

// ErrNoTaskIDs is returned by SubscribeTaskIDs for an empty id set.
var ErrNoTaskIDs = errors.New("at least one task id is required")

// TaskEnvelope is a delivered task event.
type TaskEnvelope = bus.Envelope[events.TaskEventType, events.TaskPayload]

// TaskFilter narrows a task subscription.
type TaskFilter = bus.Filter[events.TaskEventType, events.TaskPayload]

// TaskNotifier publishes task lifecycle events and hands out filtered
// subscriptions. It also keeps the created-work mailbox that backs
// TryConsumeTaskCreated: each target key holds the most recently delivered,
// not-yet-consumed task id, and consuming it hands the hint to exactly one
// caller.
type TaskNotifier struct {
	bus *bus.Bus[events.TaskEventType, events.TaskPayload]
	log *logger.Logger

	mu      sync.Mutex
	mailbox map[string]string // target key -> latest unconsumed task id
}

// NewTaskNotifier creates a notifier whose subscriptions default to opts.
func NewTaskNotifier(opts bus.SubscribeOptions, log *logger.Logger) *TaskNotifier {
	if log == nil {
		log = logger.Default()
	}
	return &TaskNotifier{
		bus:     bus.NewWithOptions[events.TaskEventType, events.TaskPayload](opts),
		log:     log,
		mailbox: make(map[string]string),
	}
}

// Close shuts down the underlying bus and drops all queued notifications.
func (n *TaskNotifier) Close() {
	n.bus.Close()
	n.mu.Lock()
	n.mailbox = make(map[string]string)
	n.mu.Unlock()
}

func agentKey(agentID string) string     { return "agent:" + agentID }
func personaKey(personaID string) string { return "persona:" + personaID }

// PublishCreated announces a new work item and deposits a mailbox
// notification for its target: the pre-assigned agent when set, otherwise
// the persona pool. A later creation for the same target replaces an
// unconsumed earlier hint.
func (n *TaskNotifier) PublishCreated(ctx context.Context, p events.TaskCreatedPayload) error {
	if p.ID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidEvent)
	}
	if p.PersonaID == "" {
		return fmt.Errorf("%w: persona id is required", ErrInvalidEvent)
	}
	key := personaKey(p.PersonaID)
	if p.AgentID != "" {
		key = agentKey(p.AgentID)
	}
	n.mu.Lock()
	n.mailbox[key] = p.ID
	n.mu.Unlock()

	return n.bus.Publish(ctx, events.TaskCreated, p)
}

// PublishClaimed announces a won claim and retires any still-queued mailbox
// notification for the item, so late consumers are not pointed at work that
// is already taken.
func (n *TaskNotifier) PublishClaimed(ctx context.Context, p events.TaskClaimedPayload) error {
	n.retire(p.ID)
	if err := validateBound(p.ID, p.AgentID); err != nil {
		return err
	}
	return n.bus.Publish(ctx, events.TaskClaimed, p)
}

// PublishCompleted announces successful completion.
func (n *TaskNotifier) PublishCompleted(ctx context.Context, p events.TaskCompletedPayload) error {
	n.retire(p.ID)
	if err := validateBound(p.ID, p.AgentID); err != nil {
		return err
	}
	return n.bus.Publish(ctx, events.TaskCompleted, p)
}

// PublishFailed announces failure. Reclaimed items pass through here too.
func (n *TaskNotifier) PublishFailed(ctx context.Context, p events.TaskFailedPayload) error {
	n.retire(p.ID)
	if err := validateBound(p.ID, p.AgentID); err != nil {
		return err
	}
	return n.bus.Publish(ctx, events.TaskFailed, p)
}

// validateBound checks the required fields of an agent-bound event.
func validateBound(taskID, agentID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidEvent)
	}
	if agentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidEvent)
	}
	return nil
}

// retire drops any mailbox hint still pointing at the item.
func (n *TaskNotifier) retire(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, id := range n.mailbox {
		if id == taskID {
			delete(n.mailbox, key)
		}
	}
}

// TryConsumeTaskCreated consumes the latest created-work hint the agent is
// eligible for, checking its personal mailbox before the persona pool. The
// returned task id is a hint; the caller must still win the claim. Each hint
// is handed to exactly one consumer.
func (n *TaskNotifier) TryConsumeTaskCreated(agentID, personaID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, key := range []string{agentKey(agentID), personaKey(personaID)} {
		if id, ok := n.mailbox[key]; ok {
			delete(n.mailbox, key)
			return id, true
		}
	}
	return "", false
}

// SubscribeAll delivers every task event.
func (n *TaskNotifier) SubscribeAll(ctx context.Context) <-chan TaskEnvelope {
	return n.bus.Subscribe(ctx, TaskFilter{})
}

// SubscribeAllWithOptions delivers every task event through a channel with
// its own capacity and overflow policy. The audit subscriber uses this to
// opt out of back-pressuring publishers.
func (n *TaskNotifier) SubscribeAllWithOptions(ctx context.Context, opts bus.SubscribeOptions) <-chan TaskEnvelope {
	return n.bus.SubscribeWithOptions(ctx, TaskFilter{}, opts)
}

// SubscribeForAgent delivers events whose payload is bound to the agent.
func (n *TaskNotifier) SubscribeForAgent(ctx context.Context, agentID string) <-chan TaskEnvelope {
	return n.bus.Subscribe(ctx, TaskFilter{
		Predicate: func(p events.TaskPayload) bool {
			return events.TaskAgentID(p) == agentID
		},
	})
}

// SubscribeForPersona delivers created-work events for the persona's shared
// pool. Items pre-assigned to a specific agent are excluded; those reach the
// agent through SubscribeForAgent.
func (n *TaskNotifier) SubscribeForPersona(ctx context.Context, personaID string) <-chan TaskEnvelope {
	return n.bus.Subscribe(ctx, TaskFilter{
		Types: []events.TaskEventType{events.TaskCreated},
		Predicate: func(p events.TaskPayload) bool {
			return events.TaskAgentID(p) == "" && events.TaskPersonaID(p) == personaID
		},
	})
}

// SubscribeClaimableFor delivers created-work events the agent could claim:
// items pre-assigned to it plus its persona's pool. The long-poll dispatcher
// waits on this subscription.
func (n *TaskNotifier) SubscribeClaimableFor(ctx context.Context, agentID, personaID string) <-chan TaskEnvelope {
	return n.bus.Subscribe(ctx, TaskFilter{
		Types: []events.TaskEventType{events.TaskCreated},
		Predicate: func(p events.TaskPayload) bool {
			target := events.TaskAgentID(p)
			return target == agentID || (target == "" && events.TaskPersonaID(p) == personaID)
		},
	})
}

// SubscribeTaskIDs delivers terminal events (completed, failed) for the given
// work items. An empty id set is an argument error, not a match-nothing
// subscription.
func (n *TaskNotifier) SubscribeTaskIDs(ctx context.Context, taskIDs ...string) (<-chan TaskEnvelope, error) {
	if len(taskIDs) == 0 {
		return nil, ErrNoTaskIDs
	}
	idset := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		idset[id] = struct{}{}
	}
	return n.bus.Subscribe(ctx, TaskFilter{
		Types: []events.TaskEventType{events.TaskCompleted, events.TaskFailed},
		Predicate: func(p events.TaskPayload) bool {
			_, ok := idset[p.TaskID()]
			return ok
		},
	}), nil
}

// PendingNotifications reports how many unconsumed created-work hints the
// agent's mailbox keys currently hold. Intended for tests and diagnostics.
func (n *TaskNotifier) PendingNotifications(agentID, personaID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, key := range []string{agentKey(agentID), personaKey(personaID)} {
		if _, ok := n.mailbox[key]; ok {
			count++
		}
	}
	return count
}
