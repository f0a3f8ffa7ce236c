// Package memory implements the shared key/value store agents use to pass
// context between work items. Entries are namespaced; reads bump the access
// timestamp.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/storage"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// ErrInvalidRequest is returned for requests that fail validation.
var ErrInvalidRequest = errors.New("invalid memory request")

const defaultType = "text"

// Service owns memory entry operations.
type Service struct {
	store *storage.Store
	log   *logger.Logger
}

// NewService creates a memory service.
func NewService(store *storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{store: store, log: log}
}

// SaveRequest describes an upsert. Namespace defaults to the empty (global)
// namespace; Type defaults to "text".
type SaveRequest struct {
	Key       string
	Value     string
	Namespace string
	Type      string
	Metadata  string
}

// Save upserts a value under (namespace, key). The created timestamp is
// preserved across updates; last writer wins on value and metadata.
func (s *Service) Save(ctx context.Context, req SaveRequest) (*v1.MemoryEntry, error) {
	if strings.TrimSpace(req.Key) == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}
	if req.Type == "" {
		req.Type = defaultType
	}

	now := time.Now().UTC()
	entry := &v1.MemoryEntry{
		Namespace: req.Namespace,
		Key:       req.Key,
		Value:     req.Value,
		Type:      req.Type,
		Metadata:  req.Metadata,
	}

	scopeCtx, scope, err := s.store.WriteScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	if err := scope.UpsertMemoryEntry(scopeCtx, entry, now); err != nil {
		return nil, err
	}
	if err := scope.Complete(); err != nil {
		return nil, err
	}

	s.log.Debug("memory entry saved")
	entry.UpdatedAt = now
	entry.LastAccessedAt = now
	return entry, nil
}

// Read returns the entry, bumping its access time, or nil when absent.
func (s *Service) Read(ctx context.Context, key, namespace string) (*v1.MemoryEntry, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}

	scopeCtx, scope, err := s.store.WriteScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	entry, err := scope.GetMemoryEntry(scopeCtx, namespace, key, time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := scope.Complete(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Delete removes one key, reporting whether a row existed.
func (s *Service) Delete(ctx context.Context, key, namespace string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}

	scopeCtx, scope, err := s.store.WriteScope(ctx)
	if err != nil {
		return false, err
	}
	defer scope.Close()

	err = scope.DeleteMemoryEntry(scopeCtx, namespace, key)
	if errors.Is(err, storage.ErrNotFound) {
		// Still commit: the scope did nothing.
		return false, scope.Complete()
	}
	if err != nil {
		return false, err
	}
	return true, scope.Complete()
}

// UpdateAccess records a read without returning the value.
func (s *Service) UpdateAccess(ctx context.Context, key, namespace string) error {
	scopeCtx, scope, err := s.store.WriteScope(ctx)
	if err != nil {
		return err
	}
	defer scope.Close()
	if err := scope.TouchMemoryEntry(scopeCtx, namespace, key, time.Now().UTC()); err != nil {
		return err
	}
	return scope.Complete()
}

// List returns every entry in a namespace ordered by key.
func (s *Service) List(ctx context.Context, namespace string) ([]*v1.MemoryEntry, error) {
	scopeCtx, scope, err := s.store.ReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	return scope.ListMemoryEntries(scopeCtx, namespace)
}
