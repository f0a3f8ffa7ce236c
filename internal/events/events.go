// Package events defines the event vocabulary published on the in-process
// buses: task lifecycle events and agent lifecycle events. Payloads form
// closed unions via unexported marker methods so the bus type parameters
// stay honest.
package events

import v1 "github.com/taskhive/taskhive/pkg/api/v1"

// TaskEventType enumerates work-item lifecycle events.
type TaskEventType string

const (
	TaskCreated   TaskEventType = "task.created"
	TaskClaimed   TaskEventType = "task.claimed"
	TaskCompleted TaskEventType = "task.completed"
	TaskFailed    TaskEventType = "task.failed"
)

// TaskPayload is the closed union of task event payloads.
type TaskPayload interface {
	taskPayload()
	// TaskID returns the work item the event concerns.
	TaskID() string
}

// TaskCreatedPayload announces a new claimable work item. AgentID is empty
// for persona-pool items.
type TaskCreatedPayload struct {
	ID        string
	PersonaID string
	AgentID   string
	Priority  v1.WorkItemPriority
}

func (TaskCreatedPayload) taskPayload()     {}
func (p TaskCreatedPayload) TaskID() string { return p.ID }

// TaskClaimedPayload announces that an agent won the claim for a work item.
type TaskClaimedPayload struct {
	ID        string
	PersonaID string
	AgentID   string
}

func (TaskClaimedPayload) taskPayload()     {}
func (p TaskClaimedPayload) TaskID() string { return p.ID }

// TaskCompletedPayload announces successful completion of a work item.
type TaskCompletedPayload struct {
	ID        string
	PersonaID string
	AgentID   string
}

func (TaskCompletedPayload) taskPayload()     {}
func (p TaskCompletedPayload) TaskID() string { return p.ID }

// TaskFailedPayload announces work item failure. Reason carries the failure
// cause, such as v1.AgentTerminatedReason for reclaimed items.
type TaskFailedPayload struct {
	ID        string
	PersonaID string
	AgentID   string
	Reason    string
}

func (TaskFailedPayload) taskPayload()     {}
func (p TaskFailedPayload) TaskID() string { return p.ID }

// TaskPersonaID extracts the persona id from any task payload.
func TaskPersonaID(p TaskPayload) string {
	switch v := p.(type) {
	case TaskCreatedPayload:
		return v.PersonaID
	case TaskClaimedPayload:
		return v.PersonaID
	case TaskCompletedPayload:
		return v.PersonaID
	case TaskFailedPayload:
		return v.PersonaID
	default:
		return ""
	}
}

// TaskAgentID extracts the agent id from any task payload. Empty means the
// event is not bound to a specific agent.
func TaskAgentID(p TaskPayload) string {
	switch v := p.(type) {
	case TaskCreatedPayload:
		return v.AgentID
	case TaskClaimedPayload:
		return v.AgentID
	case TaskCompletedPayload:
		return v.AgentID
	case TaskFailedPayload:
		return v.AgentID
	default:
		return ""
	}
}

// AgentEventType enumerates agent lifecycle events.
type AgentEventType string

const (
	AgentRegistered    AgentEventType = "agent.registered"
	AgentStatusChanged AgentEventType = "agent.status_changed"
	AgentKilled        AgentEventType = "agent.killed"
)

// AgentPayload is the closed union of agent event payloads.
type AgentPayload interface {
	agentPayload()
	// AgentID returns the agent the event concerns.
	AgentID() string
}

// AgentRegisteredPayload announces a newly registered agent.
type AgentRegisteredPayload struct {
	ID        string
	PersonaID string
}

func (AgentRegisteredPayload) agentPayload()     {}
func (p AgentRegisteredPayload) AgentID() string { return p.ID }

// AgentStatusChangedPayload announces an agent status transition.
type AgentStatusChangedPayload struct {
	ID        string
	PersonaID string
	From      v1.AgentStatus
	To        v1.AgentStatus
}

func (AgentStatusChangedPayload) agentPayload()     {}
func (p AgentStatusChangedPayload) AgentID() string { return p.ID }

// AgentKilledPayload announces forced termination of an agent, including how
// many in-progress work items were reclaimed as failed.
type AgentKilledPayload struct {
	ID            string
	PersonaID     string
	ReclaimedWork int
}

func (AgentKilledPayload) agentPayload()     {}
func (p AgentKilledPayload) AgentID() string { return p.ID }

// Severity classifies events for the audit log.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// TaskSeverity maps a task event type to its audit severity. A failed item
// is routine queue churn (retries, reclaims), so it logs as a warning rather
// than an error.
func TaskSeverity(t TaskEventType) Severity {
	if t == TaskFailed {
		return SeverityWarning
	}
	return SeverityInfo
}

// AgentSeverity maps an agent event type to its audit severity.
func AgentSeverity(t AgentEventType) Severity {
	if t == AgentKilled {
		return SeverityWarning
	}
	return SeverityInfo
}
