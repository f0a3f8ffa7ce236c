// Package v1 defines the shared API types for Taskhive: work items, agents,
// memory entries, and the enumerations used across the service and transport
// layers. Status and priority codes are stable wire values; reordering or
// renumbering them is a compatibility break.
package v1

import (
	"fmt"
	"strings"
	"time"
)

// WorkItemStatus is the lifecycle state of a work item.
// Transitions form the DAG PENDING -> IN_PROGRESS -> {COMPLETED, FAILED}.
type WorkItemStatus string

const (
	WorkItemStatusPending    WorkItemStatus = "PENDING"
	WorkItemStatusInProgress WorkItemStatus = "IN_PROGRESS"
	WorkItemStatusCompleted  WorkItemStatus = "COMPLETED"
	WorkItemStatusFailed     WorkItemStatus = "FAILED"
)

// Terminal reports whether the status is a terminal state.
func (s WorkItemStatus) Terminal() bool {
	return s == WorkItemStatusCompleted || s == WorkItemStatusFailed
}

// ParseWorkItemStatus converts a case-insensitive status string to a
// WorkItemStatus. Returns an error for unknown values.
func ParseWorkItemStatus(s string) (WorkItemStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return WorkItemStatusPending, nil
	case "IN_PROGRESS":
		return WorkItemStatusInProgress, nil
	case "COMPLETED":
		return WorkItemStatusCompleted, nil
	case "FAILED":
		return WorkItemStatusFailed, nil
	default:
		return "", fmt.Errorf("unknown work item status: %q", s)
	}
}

// WorkItemPriority orders claimable work. Higher values are claimed first.
type WorkItemPriority int

const (
	PriorityLow      WorkItemPriority = 0
	PriorityNormal   WorkItemPriority = 1
	PriorityHigh     WorkItemPriority = 2
	PriorityCritical WorkItemPriority = 3
)

// String returns the canonical name for the priority.
func (p WorkItemPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a case-insensitive priority name to a
// WorkItemPriority. An empty string defaults to normal.
func ParsePriority(s string) (WorkItemPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
	}
}

// WorkItem is a unit of work claimable by an agent of the matching persona.
// AgentID pre-assigns the item to one agent; when empty the item belongs to
// the persona pool and any agent of that persona may claim it.
type WorkItem struct {
	ID          string           `json:"id"`
	PersonaID   string           `json:"persona_id"`
	AgentID     string           `json:"agent_id,omitempty"`
	Description string           `json:"description"`
	Priority    WorkItemPriority `json:"priority"`
	Status      WorkItemStatus   `json:"status"`
	Result      string           `json:"result,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// RequeryTaskIDPrefix prefixes the synthetic "no work yet" sentinel id
// returned by get_next_task on timeout. Clients re-invoke on seeing it.
const RequeryTaskIDPrefix = "system:requery:"

// RequeryTaskID returns the requery sentinel id for the given agent.
func RequeryTaskID(agentID string) string {
	return RequeryTaskIDPrefix + agentID
}

// IsRequeryTaskID reports whether id is a requery sentinel.
func IsRequeryTaskID(id string) bool {
	return strings.HasPrefix(id, RequeryTaskIDPrefix)
}

// RequeryWorkItem returns the synthetic placeholder handed back when no work
// became available within the wait budget. It carries no work-item state.
func RequeryWorkItem(agentID string) *WorkItem {
	return &WorkItem{ID: RequeryTaskID(agentID)}
}

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusStarting AgentStatus = "STARTING"
	AgentStatusRunning  AgentStatus = "RUNNING"
	AgentStatusStopped  AgentStatus = "STOPPED"
	AgentStatusKilled   AgentStatus = "KILLED"
)

// Working reports whether an agent in this status may claim work.
func (s AgentStatus) Working() bool {
	return s == AgentStatusStarting || s == AgentStatusRunning
}

// Agent is a registered agent subprocess embodying a persona.
type Agent struct {
	ID               string      `json:"id"`
	PersonaID        string      `json:"persona_id"`
	WorkingDirectory string      `json:"working_directory"`
	Model            string      `json:"model,omitempty"`
	WorktreeName     string      `json:"worktree_name,omitempty"`
	ProcessID        int         `json:"process_id,omitempty"`
	Status           AgentStatus `json:"status"`
	RegisteredAt     time.Time   `json:"registered_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	LastHeartbeat    time.Time   `json:"last_heartbeat"`
	StoppedAt        *time.Time  `json:"stopped_at,omitempty"`
}

// MemoryEntry is a namespaced key/value record with opaque metadata.
type MemoryEntry struct {
	Namespace      string    `json:"namespace"`
	Key            string    `json:"key"`
	Value          string    `json:"value"`
	Type           string    `json:"type"`
	Metadata       string    `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// AgentTerminatedReason marks work items reclaimed as failed because their
// owning agent was killed.
const AgentTerminatedReason = "AgentTerminated"
