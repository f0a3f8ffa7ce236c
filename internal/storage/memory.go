package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

const memoryColumns = `namespace, key, value, type, metadata, created_at, updated_at, last_accessed_at`

func scanMemoryEntry(row interface{ Scan(...any) error }) (*v1.MemoryEntry, error) {
	var e v1.MemoryEntry
	err := row.Scan(
		&e.Namespace,
		&e.Key,
		&e.Value,
		&e.Type,
		&e.Metadata,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.LastAccessedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan memory entry: %w", err)
	}
	return &e, nil
}

// UpsertMemoryEntry inserts or replaces a value under (namespace, key).
// CreatedAt is preserved across updates.
func (sc *Scope) UpsertMemoryEntry(ctx context.Context, e *v1.MemoryEntry, now time.Time) error {
	if err := sc.guardWrite(); err != nil {
		return err
	}
	_, err := sc.q().ExecContext(ctx, `
		INSERT INTO memory_entries (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			type = excluded.type,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			last_accessed_at = excluded.last_accessed_at`,
		e.Namespace, e.Key, e.Value, e.Type, e.Metadata, now, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert memory entry: %w", err)
	}
	return nil
}

// GetMemoryEntry fetches a value and bumps its last access time.
func (sc *Scope) GetMemoryEntry(ctx context.Context, namespace, key string, now time.Time) (*v1.MemoryEntry, error) {
	if err := sc.guardWrite(); err != nil {
		return nil, err
	}
	row := sc.q().QueryRowContext(ctx, `
		SELECT `+memoryColumns+` FROM memory_entries
		WHERE namespace = ? AND key = ?`, namespace, key)
	e, err := scanMemoryEntry(row)
	if err != nil {
		return nil, err
	}
	if _, err := sc.q().ExecContext(ctx, `
		UPDATE memory_entries SET last_accessed_at = ?
		WHERE namespace = ? AND key = ?`, now, namespace, key); err != nil {
		return nil, fmt.Errorf("failed to touch memory entry: %w", err)
	}
	e.LastAccessedAt = now
	return e, nil
}

// ListMemoryEntries returns every entry in a namespace ordered by key.
func (sc *Scope) ListMemoryEntries(ctx context.Context, namespace string) ([]*v1.MemoryEntry, error) {
	if err := sc.guardRead(); err != nil {
		return nil, err
	}
	rows, err := sc.q().QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memory_entries
		WHERE namespace = ? ORDER BY key ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	defer rows.Close()

	var entries []*v1.MemoryEntry
	for rows.Next() {
		e, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TouchMemoryEntry bumps last_accessed_at without reading the value.
func (sc *Scope) TouchMemoryEntry(ctx context.Context, namespace, key string, now time.Time) error {
	if err := sc.guardWrite(); err != nil {
		return err
	}
	res, err := sc.q().ExecContext(ctx, `
		UPDATE memory_entries SET last_accessed_at = ?
		WHERE namespace = ? AND key = ?`, now, namespace, key)
	if err != nil {
		return fmt.Errorf("failed to touch memory entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read touch result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMemoryEntry removes one key. Returns ErrNotFound when absent.
func (sc *Scope) DeleteMemoryEntry(ctx context.Context, namespace, key string) error {
	if err := sc.guardWrite(); err != nil {
		return err
	}
	res, err := sc.q().ExecContext(ctx, `
		DELETE FROM memory_entries WHERE namespace = ? AND key = ?`,
		namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete memory entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
