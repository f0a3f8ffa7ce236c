package storage

import (
	"context"
	"database/sql"
	"fmt"
)

type scopeKey struct{}

// Scope is a transactional view of the store. A scope is either the owner of
// its transaction or a participant joined to an ambient one; only the owner
// commits or rolls back.
//
// Write scopes must end with Complete to commit. The idiomatic shape is:
//
//	ctx, scope, err := store.WriteScope(ctx)
//	if err != nil { ... }
//	defer scope.Close()
//	... mutations ...
//	return scope.Complete()
type Scope struct {
	store    *Store
	tx       *sql.Tx
	readOnly bool
	owner    bool
	finished bool
}

func scopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

// ReadScope opens a read scope, joining the ambient scope when one is active
// on the context. The returned context carries the scope for nested calls.
func (s *Store) ReadScope(ctx context.Context) (context.Context, *Scope, error) {
	if ambient, ok := scopeFrom(ctx); ok {
		if ambient.finished {
			return nil, nil, ErrScopeCompleted
		}
		// Join: read access through a write scope is fine. The participant
		// handle never commits.
		participant := &Scope{store: s, tx: ambient.tx, readOnly: true}
		return context.WithValue(ctx, scopeKey{}, ambient), participant, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin read scope: %w", err)
	}
	scope := &Scope{store: s, tx: tx, readOnly: true, owner: true}
	return context.WithValue(ctx, scopeKey{}, scope), scope, nil
}

// WriteScope opens a write scope. Under an ambient write scope it joins as a
// participant whose mutations commit with the owner. Under an ambient read
// scope it fails with ErrReadOnlyScope.
func (s *Store) WriteScope(ctx context.Context) (context.Context, *Scope, error) {
	if ambient, ok := scopeFrom(ctx); ok {
		if ambient.finished {
			return nil, nil, ErrScopeCompleted
		}
		if ambient.readOnly {
			return nil, nil, ErrReadOnlyScope
		}
		participant := &Scope{store: s, tx: ambient.tx}
		return context.WithValue(ctx, scopeKey{}, ambient), participant, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin write scope: %w", err)
	}
	scope := &Scope{store: s, tx: tx, owner: true}
	return context.WithValue(ctx, scopeKey{}, scope), scope, nil
}

// Complete commits the scope. For a participant this is a marker only; the
// owning scope decides the transaction's fate. Completing twice is an error.
func (sc *Scope) Complete() error {
	if sc.finished {
		return ErrScopeCompleted
	}
	sc.finished = true
	if !sc.owner {
		return nil
	}
	if err := sc.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scope: %w", err)
	}
	return nil
}

// Close rolls back an owning scope that was never completed. It is safe to
// defer unconditionally; after Complete it is a no-op.
func (sc *Scope) Close() error {
	if sc.finished {
		return nil
	}
	sc.finished = true
	if !sc.owner {
		return nil
	}
	if err := sc.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("failed to roll back scope: %w", err)
	}
	return nil
}

// ReadOnly reports whether mutations through this scope are rejected.
func (sc *Scope) ReadOnly() bool {
	return sc.readOnly
}

func (sc *Scope) q() querier {
	return sc.tx
}

// guardWrite rejects mutations on finished or read-only scopes.
func (sc *Scope) guardWrite() error {
	if sc.finished {
		return ErrScopeCompleted
	}
	if sc.readOnly {
		return ErrReadOnlyScope
	}
	return nil
}

func (sc *Scope) guardRead() error {
	if sc.finished {
		return ErrScopeCompleted
	}
	return nil
}
