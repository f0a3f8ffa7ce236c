package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

const agentColumns = `id, persona_id, working_directory, model, worktree_name, process_id, status, registered_at, started_at, last_heartbeat, stopped_at`

func scanAgent(row interface{ Scan(...any) error }) (*v1.Agent, error) {
	var a v1.Agent
	var status string
	err := row.Scan(
		&a.ID,
		&a.PersonaID,
		&a.WorkingDirectory,
		&a.Model,
		&a.WorktreeName,
		&a.ProcessID,
		&status,
		&a.RegisteredAt,
		&a.StartedAt,
		&a.LastHeartbeat,
		&a.StoppedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	a.Status = v1.AgentStatus(status)
	return &a, nil
}

// InsertAgent persists a newly registered agent.
func (sc *Scope) InsertAgent(ctx context.Context, a *v1.Agent) error {
	if err := sc.guardWrite(); err != nil {
		return err
	}
	_, err := sc.q().ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.PersonaID,
		a.WorkingDirectory,
		a.Model,
		a.WorktreeName,
		a.ProcessID,
		string(a.Status),
		a.RegisteredAt,
		a.StartedAt,
		a.LastHeartbeat,
		a.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

// GetAgent fetches one agent by id.
func (sc *Scope) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	if err := sc.guardRead(); err != nil {
		return nil, err
	}
	row := sc.q().QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListAgents returns agents, optionally narrowed to one persona, newest
// registration first.
func (sc *Scope) ListAgents(ctx context.Context, personaID string) ([]*v1.Agent, error) {
	if err := sc.guardRead(); err != nil {
		return nil, err
	}
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if personaID != "" {
		query += ` WHERE persona_id = ?`
		args = append(args, personaID)
	}
	query += ` ORDER BY registered_at DESC`

	rows, err := sc.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*v1.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus performs a guarded status transition. The update only
// applies when the agent currently holds one of the allowed statuses;
// otherwise ErrConflict is returned.
func (sc *Scope) UpdateAgentStatus(ctx context.Context, id string, to v1.AgentStatus, allowedFrom []v1.AgentStatus, now time.Time) error {
	if err := sc.guardWrite(); err != nil {
		return err
	}

	query := `UPDATE agents SET status = ?`
	args := []any{string(to)}
	switch to {
	case v1.AgentStatusRunning:
		query += `, started_at = ?`
		args = append(args, now)
	case v1.AgentStatusStopped, v1.AgentStatusKilled:
		query += `, stopped_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	if len(allowedFrom) > 0 {
		query += ` AND status IN (`
		for i, st := range allowedFrom {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(st))
		}
		query += `)`
	}

	res, err := sc.q().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read agent status result: %w", err)
	}
	if n == 0 {
		if _, err := sc.GetAgent(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// MarkAgentRunning sets an agent running, records its subprocess pid, and
// backfills started_at when unset. Idempotent for already-running agents;
// terminated agents are not resurrected (ErrConflict).
func (sc *Scope) MarkAgentRunning(ctx context.Context, id string, processID int, now time.Time) error {
	if err := sc.guardWrite(); err != nil {
		return err
	}
	res, err := sc.q().ExecContext(ctx, `
		UPDATE agents
		SET status = ?, process_id = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN (?, ?)`,
		string(v1.AgentStatusRunning), processID, now,
		id, string(v1.AgentStatusStarting), string(v1.AgentStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to mark agent running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read mark running result: %w", err)
	}
	if n == 0 {
		if _, err := sc.GetAgent(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// TouchAgentHeartbeat updates the agent's last heartbeat timestamp.
func (sc *Scope) TouchAgentHeartbeat(ctx context.Context, id string, now time.Time) error {
	if err := sc.guardWrite(); err != nil {
		return err
	}
	res, err := sc.q().ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("failed to update agent heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read heartbeat result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
