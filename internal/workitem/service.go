// Package workitem implements the work queue: creating items, completing and
// failing them, and the long-poll dispatcher that hands claimable work to
// agents.
package workitem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/events"
	"github.com/taskhive/taskhive/internal/notify"
	"github.com/taskhive/taskhive/internal/storage"
	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

// ErrInvalidRequest is returned for requests that fail validation.
var ErrInvalidRequest = errors.New("invalid work item request")

// Service owns work item lifecycle operations.
type Service struct {
	store *storage.Store
	tasks *notify.TaskNotifier
	log   *logger.Logger
}

// NewService creates a work item service.
func NewService(store *storage.Store, tasks *notify.TaskNotifier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{store: store, tasks: tasks, log: log}
}

// CreateRequest describes a new work item. AgentID pre-assigns the item to
// one agent; empty means the persona pool. Priority accepts low, normal,
// high, critical; empty defaults to normal.
type CreateRequest struct {
	PersonaID   string
	AgentID     string
	Description string
	Priority    string
}

// Create validates and persists a new pending work item, then announces it.
// The created event is published only after the item is durable.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*v1.WorkItem, error) {
	if strings.TrimSpace(req.PersonaID) == "" {
		return nil, fmt.Errorf("%w: persona_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidRequest)
	}
	priority, err := v1.ParsePriority(req.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	item := &v1.WorkItem{
		ID:          uuid.New().String(),
		PersonaID:   req.PersonaID,
		AgentID:     req.AgentID,
		Description: req.Description,
		Priority:    priority,
		Status:      v1.WorkItemStatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	scopeCtx, scope, err := s.store.WriteScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	if err := scope.InsertWorkItem(scopeCtx, item); err != nil {
		return nil, err
	}
	if err := scope.Complete(); err != nil {
		return nil, err
	}

	if err := s.tasks.PublishCreated(ctx, events.TaskCreatedPayload{
		ID:        item.ID,
		PersonaID: item.PersonaID,
		AgentID:   item.AgentID,
		Priority:  item.Priority,
	}); err != nil {
		s.log.WithError(err).WithTaskID(item.ID).Warn("failed to publish task created event")
	}

	s.log.WithTaskID(item.ID).WithPersona(item.PersonaID).Info("work item created",
		zap.String("priority", priority.String()))
	return item, nil
}

// Complete transitions an item to completed. Pending, in-progress, and failed
// items may all be completed; only an already completed item conflicts. The
// item's owning agent, if any, is taken from the claim record.
func (s *Service) Complete(ctx context.Context, taskID, result string) error {
	item, err := s.finish(ctx, taskID, v1.WorkItemStatusCompleted, result)
	if err != nil {
		return err
	}
	if err := s.tasks.PublishCompleted(ctx, events.TaskCompletedPayload{
		ID:        item.ID,
		PersonaID: item.PersonaID,
		AgentID:   item.AgentID,
	}); err != nil {
		s.log.WithError(err).WithTaskID(taskID).Warn("failed to publish task completed event")
	}
	s.log.WithTaskID(taskID).WithAgentID(item.AgentID).Info("work item completed")
	return nil
}

// Fail transitions any non-terminal item to failed with the given message.
func (s *Service) Fail(ctx context.Context, taskID, errorMessage string) error {
	item, err := s.finish(ctx, taskID, v1.WorkItemStatusFailed, errorMessage)
	if err != nil {
		return err
	}
	if err := s.tasks.PublishFailed(ctx, events.TaskFailedPayload{
		ID:        item.ID,
		PersonaID: item.PersonaID,
		AgentID:   item.AgentID,
		Reason:    errorMessage,
	}); err != nil {
		s.log.WithError(err).WithTaskID(taskID).Warn("failed to publish task failed event")
	}
	s.log.WithTaskID(taskID).WithAgentID(item.AgentID).Warn("work item failed",
		zap.String("reason", errorMessage))
	return nil
}

func (s *Service) finish(ctx context.Context, taskID string, status v1.WorkItemStatus, result string) (*v1.WorkItem, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("%w: task_id is required", ErrInvalidRequest)
	}

	scopeCtx, scope, err := s.store.WriteScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	item, err := scope.GetWorkItem(scopeCtx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: task not found: %s", storage.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	if item.Status == v1.WorkItemStatusCompleted {
		return nil, fmt.Errorf("%w: task %s already completed", storage.ErrConflict, taskID)
	}
	if status == v1.WorkItemStatusFailed && item.Status == v1.WorkItemStatusFailed {
		return nil, fmt.Errorf("%w: task %s already failed", storage.ErrConflict, taskID)
	}
	if err := scope.FinishWorkItem(scopeCtx, taskID, status, result, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := scope.Complete(); err != nil {
		return nil, err
	}
	return item, nil
}

// Get fetches one work item by id.
func (s *Service) Get(ctx context.Context, taskID string) (*v1.WorkItem, error) {
	scopeCtx, scope, err := s.store.ReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	return scope.GetWorkItem(scopeCtx, taskID)
}

// List returns work items matching the filter.
func (s *Service) List(ctx context.Context, filter storage.WorkItemFilter) ([]*v1.WorkItem, error) {
	scopeCtx, scope, err := s.store.ReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	return scope.ListWorkItems(scopeCtx, filter)
}

// Counts returns the per-status item counts for a persona, or all personas
// when personaID is empty.
func (s *Service) Counts(ctx context.Context, personaID string) (map[v1.WorkItemStatus]int, error) {
	scopeCtx, scope, err := s.store.ReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	return scope.CountWorkItems(scopeCtx, personaID)
}
