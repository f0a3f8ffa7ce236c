package notify

import (
	"context"

	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/events"
	"github.com/taskhive/taskhive/internal/events/bus"
)

// AgentEnvelope is a delivered agent event.
type AgentEnvelope = bus.Envelope[events.AgentEventType, events.AgentPayload]

// AgentFilter narrows an agent subscription.
type AgentFilter = bus.Filter[events.AgentEventType, events.AgentPayload]

// AgentNotifier publishes agent lifecycle events and hands out filtered
// subscriptions.
type AgentNotifier struct {
	bus *bus.Bus[events.AgentEventType, events.AgentPayload]
	log *logger.Logger
}

// NewAgentNotifier creates a notifier whose subscriptions default to opts.
func NewAgentNotifier(opts bus.SubscribeOptions, log *logger.Logger) *AgentNotifier {
	if log == nil {
		log = logger.Default()
	}
	return &AgentNotifier{
		bus: bus.NewWithOptions[events.AgentEventType, events.AgentPayload](opts),
		log: log,
	}
}

// Close shuts down the underlying bus.
func (n *AgentNotifier) Close() {
	n.bus.Close()
}

// PublishRegistered announces a newly registered agent.
func (n *AgentNotifier) PublishRegistered(ctx context.Context, p events.AgentRegisteredPayload) error {
	return n.bus.Publish(ctx, events.AgentRegistered, p)
}

// PublishStatusChanged announces an agent status transition.
func (n *AgentNotifier) PublishStatusChanged(ctx context.Context, p events.AgentStatusChangedPayload) error {
	return n.bus.Publish(ctx, events.AgentStatusChanged, p)
}

// PublishKilled announces forced termination.
func (n *AgentNotifier) PublishKilled(ctx context.Context, p events.AgentKilledPayload) error {
	return n.bus.Publish(ctx, events.AgentKilled, p)
}

// SubscribeAll delivers every agent event.
func (n *AgentNotifier) SubscribeAll(ctx context.Context) <-chan AgentEnvelope {
	return n.bus.Subscribe(ctx, AgentFilter{})
}

// SubscribeAllWithOptions delivers every agent event through a channel with
// its own capacity and overflow policy.
func (n *AgentNotifier) SubscribeAllWithOptions(ctx context.Context, opts bus.SubscribeOptions) <-chan AgentEnvelope {
	return n.bus.SubscribeWithOptions(ctx, AgentFilter{}, opts)
}

// SubscribeForAgent delivers events concerning one agent.
func (n *AgentNotifier) SubscribeForAgent(ctx context.Context, agentID string) <-chan AgentEnvelope {
	return n.bus.Subscribe(ctx, AgentFilter{
		Predicate: func(p events.AgentPayload) bool {
			return p.AgentID() == agentID
		},
	})
}
