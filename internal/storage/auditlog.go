package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Entity types recorded in the audit log.
const (
	EntityTask   = "Task"
	EntityAgent  = "Agent"
	EntityMemory = "Memory"
)

// AuditRecord is one persisted audit log row. Tags are free-form labels like
// "persona:reviewer"; Payload holds the originating event payload as JSON.
type AuditRecord struct {
	ID         int64
	EventID    string
	EventType  string
	EntityType string
	EntityID   string
	Actor      string
	Severity   string
	Tags       []string
	Payload    string
	CreatedAt  time.Time
}

// InsertAuditRecord appends one row to the audit log.
func (sc *Scope) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if err := sc.guardWrite(); err != nil {
		return err
	}
	res, err := sc.q().ExecContext(ctx, `
		INSERT INTO audit_log (event_id, event_type, entity_type, entity_id, actor, severity, tags, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, rec.EventType, rec.EntityType, rec.EntityID, rec.Actor,
		rec.Severity, strings.Join(rec.Tags, " "), rec.Payload, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ListAuditRecords returns the most recent audit rows, optionally narrowed
// to one entity (a task or agent id). Limit <= 0 means 100.
func (sc *Scope) ListAuditRecords(ctx context.Context, entityID string, limit int) ([]*AuditRecord, error) {
	if err := sc.guardRead(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_id, event_type, entity_type, entity_id, actor, severity, tags, payload, created_at FROM audit_log`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := sc.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var recs []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var tags string
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.EventType, &rec.EntityType,
			&rec.EntityID, &rec.Actor, &rec.Severity, &tags, &rec.Payload,
			&rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if tags != "" {
			rec.Tags = strings.Fields(tags)
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
