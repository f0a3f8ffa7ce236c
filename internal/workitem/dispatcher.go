package workitem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/events"
	"github.com/taskhive/taskhive/internal/notify"
	"github.com/taskhive/taskhive/internal/storage"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

var (
	// ErrAgentNotFound is returned when the polling agent is not registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentNotWorking is returned when the polling agent is stopped or
	// killed and may no longer claim work.
	ErrAgentNotWorking = errors.New("agent is not in a working state")
	// ErrNegativeWait is returned for a negative caller timeout override.
	ErrNegativeWait = errors.New("timeout must not be negative")
)

// DispatcherConfig tunes the long-poll claim loop.
type DispatcherConfig struct {
	// TimeToWaitForTask bounds how long one GetNextTask call blocks.
	TimeToWaitForTask time.Duration
	// PollingInterval is the defensive requery tick; the event subscription
	// is the primary wake mechanism.
	PollingInterval time.Duration
	// MaxRetries caps consecutive lost claim races before giving up early.
	MaxRetries int
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		TimeToWaitForTask: 5 * time.Minute,
		PollingInterval:   time.Second,
		MaxRetries:        10,
	}
}

// Dispatcher hands claimable work to long-polling agents. A GetNextTask call
// claims immediately when the queue has eligible work, otherwise it parks on
// the created-work subscription until work arrives or the wait budget runs
// out. An exhausted wait returns the requery sentinel rather than an error so
// agents simply call again.
type Dispatcher struct {
	store *storage.Store
	tasks *notify.TaskNotifier
	cfg   DispatcherConfig
	log   *logger.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store *storage.Store, tasks *notify.TaskNotifier, cfg DispatcherConfig, log *logger.Logger) *Dispatcher {
	if cfg.TimeToWaitForTask <= 0 {
		cfg.TimeToWaitForTask = DefaultDispatcherConfig().TimeToWaitForTask
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = DefaultDispatcherConfig().PollingInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultDispatcherConfig().MaxRetries
	}
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{store: store, tasks: tasks, cfg: cfg, log: log}
}

// GetNextTask blocks until the agent can claim a work item, returning the
// claimed item with status IN_PROGRESS. When no work becomes available
// within the configured wait budget, or the agent keeps losing claim races,
// the requery sentinel item is returned with a nil error. The call doubles
// as a heartbeat for the agent.
func (d *Dispatcher) GetNextTask(ctx context.Context, agentID string) (*v1.WorkItem, error) {
	return d.GetNextTaskWait(ctx, agentID, d.cfg.TimeToWaitForTask)
}

// GetNextTaskWait is GetNextTask with a caller-supplied wait budget. A zero
// wait makes exactly one claim attempt and returns the sentinel when the
// queue is empty. A negative wait is a validation error.
func (d *Dispatcher) GetNextTaskWait(ctx context.Context, agentID string, wait time.Duration) (*v1.WorkItem, error) {
	if wait < 0 {
		return nil, ErrNegativeWait
	}

	agent, err := d.checkAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if wait == 0 {
		item, err := d.tryClaim(ctx, agentID, agent.PersonaID)
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
		return v1.RequeryWorkItem(agentID), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	// Subscribe before the first queue check so a creation landing between
	// the check and the wait still wakes us.
	wake := d.tasks.SubscribeClaimableFor(waitCtx, agentID, agent.PersonaID)

	ticker := time.NewTicker(d.cfg.PollingInterval)
	defer ticker.Stop()

	retries := 0
	for {
		item, err := d.tryClaim(ctx, agentID, agent.PersonaID)
		switch {
		case err == nil && item != nil:
			d.log.WithTaskID(item.ID).WithAgentID(agentID).Info("work item claimed",
				zap.Int("retries", retries))
			return item, nil
		case errors.Is(err, storage.ErrConflict):
			retries++
			if retries >= d.cfg.MaxRetries {
				d.log.WithAgentID(agentID).Warn("giving up after repeated claim races",
					zap.Int("retries", retries))
				return v1.RequeryWorkItem(agentID), nil
			}
			// Lost the race; check the queue again immediately.
			continue
		case err != nil:
			return nil, err
		}

		// Queue empty: park until a wake-up, a tick, or the budget runs out.
		select {
		case _, ok := <-wake:
			if !ok {
				// Subscription ended with the wait budget.
				return v1.RequeryWorkItem(agentID), nil
			}
		case <-ticker.C:
		case <-waitCtx.Done():
			// Deadline or caller cancellation; either way the poll completes
			// cleanly and the caller re-invokes.
			return v1.RequeryWorkItem(agentID), nil
		}
	}
}

// tryClaim attempts one select-and-claim round trip. Returns (nil, nil) when
// the queue has no eligible work.
func (d *Dispatcher) tryClaim(ctx context.Context, agentID, personaID string) (*v1.WorkItem, error) {
	scopeCtx, scope, err := d.store.WriteScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	candidate, err := scope.NextClaimable(scopeCtx, personaID, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := scope.ClaimWorkItem(scopeCtx, candidate.ID, agentID, now); err != nil {
		return nil, err
	}
	if err := scope.Complete(); err != nil {
		return nil, err
	}

	candidate.Status = v1.WorkItemStatusInProgress
	candidate.AgentID = agentID
	candidate.StartedAt = &now

	if err := d.tasks.PublishClaimed(ctx, events.TaskClaimedPayload{
		ID:        candidate.ID,
		PersonaID: candidate.PersonaID,
		AgentID:   agentID,
	}); err != nil {
		d.log.WithError(err).WithTaskID(candidate.ID).Warn("failed to publish task claimed event")
	}
	return candidate, nil
}

// checkAgent verifies the agent exists and may claim work, and records the
// poll as a heartbeat. A first poll from a Starting agent is its implicit
// mark-running.
func (d *Dispatcher) checkAgent(ctx context.Context, agentID string) (*v1.Agent, error) {
	scopeCtx, scope, err := d.store.WriteScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	agent, err := scope.GetAgent(scopeCtx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, err
	}
	if !agent.Status.Working() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAgentNotWorking, agentID, agent.Status)
	}

	now := time.Now().UTC()
	if agent.Status == v1.AgentStatusStarting {
		if err := scope.UpdateAgentStatus(scopeCtx, agentID, v1.AgentStatusRunning,
			[]v1.AgentStatus{v1.AgentStatusStarting}, now); err != nil {
			return nil, err
		}
		agent.Status = v1.AgentStatusRunning
		agent.StartedAt = &now
	}
	if err := scope.TouchAgentHeartbeat(scopeCtx, agentID, now); err != nil {
		return nil, err
	}
	if err := scope.Complete(); err != nil {
		return nil, err
	}
	return agent, nil
}
