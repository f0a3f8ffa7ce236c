package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

const workItemColumns = `id, persona_id, agent_id, description, priority, status, result, created_at, started_at, completed_at`

func scanWorkItem(row interface{ Scan(...any) error }) (*v1.WorkItem, error) {
	var item v1.WorkItem
	var priority int
	var status string
	err := row.Scan(
		&item.ID,
		&item.PersonaID,
		&item.AgentID,
		&item.Description,
		&priority,
		&status,
		&item.Result,
		&item.CreatedAt,
		&item.StartedAt,
		&item.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}
	item.Priority = v1.WorkItemPriority(priority)
	item.Status = v1.WorkItemStatus(status)
	return &item, nil
}

// InsertWorkItem persists a new work item.
func (sc *Scope) InsertWorkItem(ctx context.Context, item *v1.WorkItem) error {
	if err := sc.guardWrite(); err != nil {
		return err
	}
	_, err := sc.q().ExecContext(ctx, `
		INSERT INTO work_items (`+workItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.PersonaID,
		item.AgentID,
		item.Description,
		int(item.Priority),
		string(item.Status),
		item.Result,
		item.CreatedAt,
		item.StartedAt,
		item.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert work item: %w", err)
	}
	return nil
}

// GetWorkItem fetches one work item by id.
func (sc *Scope) GetWorkItem(ctx context.Context, id string) (*v1.WorkItem, error) {
	if err := sc.guardRead(); err != nil {
		return nil, err
	}
	row := sc.q().QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	return scanWorkItem(row)
}

// WorkItemFilter narrows ListWorkItems. Zero fields match everything.
type WorkItemFilter struct {
	PersonaID string
	AgentID   string
	Statuses  []v1.WorkItemStatus
}

// ListWorkItems returns work items matching the filter, newest first.
func (sc *Scope) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*v1.WorkItem, error) {
	if err := sc.guardRead(); err != nil {
		return nil, err
	}

	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE 1=1`
	var args []any
	if filter.PersonaID != "" {
		query += ` AND persona_id = ?`
		args = append(args, filter.PersonaID)
	}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (`
		for i, st := range filter.Statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(st))
		}
		query += `)`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := sc.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	var items []*v1.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// NextClaimable returns the highest-priority, oldest pending work item an
// agent is eligible for: items pre-assigned to it plus its persona pool.
// Returns ErrNotFound when the queue is empty for this agent.
func (sc *Scope) NextClaimable(ctx context.Context, personaID, agentID string) (*v1.WorkItem, error) {
	if err := sc.guardRead(); err != nil {
		return nil, err
	}
	row := sc.q().QueryRowContext(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE status = ? AND persona_id = ? AND (agent_id = '' OR agent_id = ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`,
		string(v1.WorkItemStatusPending), personaID, agentID)
	return scanWorkItem(row)
}

// ClaimWorkItem atomically transitions a pending item to in-progress under
// the claiming agent. The conditional update is the claim arbiter: a
// concurrent claimant makes the condition fail and the loser gets
// ErrConflict.
func (sc *Scope) ClaimWorkItem(ctx context.Context, id, agentID string, now time.Time) error {
	if err := sc.guardWrite(); err != nil {
		return err
	}
	res, err := sc.q().ExecContext(ctx, `
		UPDATE work_items
		SET status = ?, agent_id = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(v1.WorkItemStatusInProgress), agentID, now,
		id, string(v1.WorkItemStatusPending))
	if err != nil {
		return fmt.Errorf("failed to claim work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read claim result: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// FinishWorkItem transitions an item to a terminal status with a result.
// Completing is allowed from any status except completed; failing is allowed
// from any non-terminal status. Returns ErrConflict when the current status
// disallows the transition, ErrNotFound when the item does not exist.
func (sc *Scope) FinishWorkItem(ctx context.Context, id string, status v1.WorkItemStatus, result string, now time.Time) error {
	if err := sc.guardWrite(); err != nil {
		return err
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrConflict, status)
	}
	disallowed := []any{string(v1.WorkItemStatusCompleted)}
	if status == v1.WorkItemStatusFailed {
		disallowed = append(disallowed, string(v1.WorkItemStatusFailed))
	}
	query := `
		UPDATE work_items
		SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?` + strings.Repeat(", ?", len(disallowed)-1) + `)`
	args := append([]any{string(status), result, now, id}, disallowed...)
	res, err := sc.q().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to finish work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finish result: %w", err)
	}
	if n == 0 {
		if _, err := sc.GetWorkItem(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ReclaimAgentWork fails every in-progress item held by the agent, recording
// the given reason as the result. It returns the reclaimed items so callers
// can publish per-item events in the same scope.
func (sc *Scope) ReclaimAgentWork(ctx context.Context, agentID, reason string, now time.Time) ([]*v1.WorkItem, error) {
	if err := sc.guardWrite(); err != nil {
		return nil, err
	}
	items, err := sc.ListWorkItems(ctx, WorkItemFilter{
		AgentID:  agentID,
		Statuses: []v1.WorkItemStatus{v1.WorkItemStatusInProgress},
	})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		res, err := sc.q().ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, result = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			string(v1.WorkItemStatusFailed), reason, now,
			item.ID, string(v1.WorkItemStatusInProgress))
		if err != nil {
			return nil, fmt.Errorf("failed to reclaim work item %s: %w", item.ID, err)
		}
		if _, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("failed to read reclaim result: %w", err)
		}
		item.Status = v1.WorkItemStatusFailed
		item.Result = reason
		completed := now
		item.CompletedAt = &completed
	}
	return items, nil
}

// CountWorkItems returns the number of items per status for a persona.
// An empty persona counts across all personas.
func (sc *Scope) CountWorkItems(ctx context.Context, personaID string) (map[v1.WorkItemStatus]int, error) {
	if err := sc.guardRead(); err != nil {
		return nil, err
	}
	query := `SELECT status, COUNT(*) FROM work_items`
	var args []any
	if personaID != "" {
		query += ` WHERE persona_id = ?`
		args = append(args, personaID)
	}
	query += ` GROUP BY status`

	rows, err := sc.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	defer rows.Close()

	counts := make(map[v1.WorkItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan work item count: %w", err)
		}
		counts[v1.WorkItemStatus(status)] = n
	}
	return counts, rows.Err()
}
