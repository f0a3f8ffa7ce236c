// Package agent implements agent lifecycle management: registration,
// heartbeats, launching agent subprocesses, and termination with reclamation
// of the work the agent was holding.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
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
var ErrInvalidRequest = errors.New("invalid agent request")

// Service owns agent row transitions and delegates subprocess control to the
// launcher and terminator.
type Service struct {
	store      *storage.Store
	agents     *notify.AgentNotifier
	tasks      *notify.TaskNotifier
	launcher   Launcher
	terminator Terminator
	log        *logger.Logger
}

// NewService creates an agent service. The launcher may be nil when the
// deployment registers externally spawned agents only; the terminator may be
// nil to skip subprocess signalling on kill.
func NewService(store *storage.Store, agents *notify.AgentNotifier, tasks *notify.TaskNotifier, launcher Launcher, terminator Terminator, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:      store,
		agents:     agents,
		tasks:      tasks,
		launcher:   launcher,
		terminator: terminator,
		log:        log,
	}
}

// RegisterRequest describes a new agent.
type RegisterRequest struct {
	PersonaID        string
	WorkingDirectory string
	Model            string
	WorktreeName     string
}

// Register inserts an agent in Starting and announces it.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*v1.Agent, error) {
	if strings.TrimSpace(req.PersonaID) == "" {
		return nil, fmt.Errorf("%w: persona_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.WorkingDirectory) == "" {
		return nil, fmt.Errorf("%w: working_directory is required", ErrInvalidRequest)
	}

	now := time.Now().UTC()
	agent := &v1.Agent{
		ID:               uuid.New().String(),
		PersonaID:        req.PersonaID,
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
		WorktreeName:     req.WorktreeName,
		Status:           v1.AgentStatusStarting,
		RegisteredAt:     now,
		LastHeartbeat:    now,
	}

	scopeCtx, scope, err := s.store.WriteScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	if err := scope.InsertAgent(scopeCtx, agent); err != nil {
		return nil, err
	}
	if err := scope.Complete(); err != nil {
		return nil, err
	}

	if err := s.agents.PublishRegistered(ctx, events.AgentRegisteredPayload{
		ID:        agent.ID,
		PersonaID: agent.PersonaID,
	}); err != nil {
		s.log.WithError(err).WithAgentID(agent.ID).Warn("failed to publish agent registered event")
	}

	s.log.WithAgentID(agent.ID).WithPersona(agent.PersonaID).Info("agent registered",
		zap.String("working_directory", agent.WorkingDirectory))
	return agent, nil
}

// UpdateHeartbeat records a liveness signal. A starting agent crosses to
// Running on its first heartbeat. Returns false when the agent is unknown.
func (s *Service) UpdateHeartbeat(ctx context.Context, agentID string) (bool, error) {
	now := time.Now().UTC()

	scopeCtx, scope, err := s.store.WriteScope(ctx)
	if err != nil {
		return false, err
	}
	defer scope.Close()

	agent, err := scope.GetAgent(scopeCtx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	transitioned := false
	if agent.Status == v1.AgentStatusStarting {
		if err := scope.UpdateAgentStatus(scopeCtx, agentID, v1.AgentStatusRunning,
			[]v1.AgentStatus{v1.AgentStatusStarting}, now); err != nil {
			return false, err
		}
		transitioned = true
	}
	if err := scope.TouchAgentHeartbeat(scopeCtx, agentID, now); err != nil {
		return false, err
	}
	if err := scope.Complete(); err != nil {
		return false, err
	}

	if transitioned {
		if err := s.agents.PublishStatusChanged(ctx, events.AgentStatusChangedPayload{
			ID:        agentID,
			PersonaID: agent.PersonaID,
			From:      v1.AgentStatusStarting,
			To:        v1.AgentStatusRunning,
		}); err != nil {
			s.log.WithError(err).WithAgentID(agentID).Warn("failed to publish agent status event")
		}
	}
	return true, nil
}

// MarkRunning sets the agent running and records its subprocess pid.
// Idempotent for agents that are already running.
func (s *Service) MarkRunning(ctx context.Context, agentID string, processID int) error {
	now := time.Now().UTC()

	scopeCtx, scope, err := s.store.WriteScope(ctx)
	if err != nil {
		return err
	}
	defer scope.Close()

	agent, err := scope.GetAgent(scopeCtx, agentID)
	if err != nil {
		return err
	}
	if err := scope.MarkAgentRunning(scopeCtx, agentID, processID, now); err != nil {
		return err
	}
	if err := scope.Complete(); err != nil {
		return err
	}

	if agent.Status == v1.AgentStatusStarting {
		if err := s.agents.PublishStatusChanged(ctx, events.AgentStatusChangedPayload{
			ID:        agentID,
			PersonaID: agent.PersonaID,
			From:      v1.AgentStatusStarting,
			To:        v1.AgentStatusRunning,
		}); err != nil {
			s.log.WithError(err).WithAgentID(agentID).Warn("failed to publish agent status event")
		}
	}
	return nil
}

// Stop marks the agent gracefully stopped.
func (s *Service) Stop(ctx context.Context, agentID string) error {
	now := time.Now().UTC()

	scopeCtx, scope, err := s.store.WriteScope(ctx)
	if err != nil {
		return err
	}
	defer scope.Close()

	agent, err := scope.GetAgent(scopeCtx, agentID)
	if err != nil {
		return err
	}
	if err := scope.UpdateAgentStatus(scopeCtx, agentID, v1.AgentStatusStopped, nil, now); err != nil {
		return err
	}
	if err := scope.Complete(); err != nil {
		return err
	}

	if err := s.agents.PublishStatusChanged(ctx, events.AgentStatusChangedPayload{
		ID:        agentID,
		PersonaID: agent.PersonaID,
		From:      agent.Status,
		To:        v1.AgentStatusStopped,
	}); err != nil {
		s.log.WithError(err).WithAgentID(agentID).Warn("failed to publish agent status event")
	}
	s.log.WithAgentID(agentID).Info("agent stopped")
	return nil
}

// Kill force-terminates an agent: signals the subprocess when one is known,
// marks the row Killed, and in the same scope fails every in-progress work
// item the agent was holding so the persona pool can pick the work up again.
// Killing an unknown agent is a no-op.
func (s *Service) Kill(ctx context.Context, agentID string) (int, error) {
	now := time.Now().UTC()

	readCtx, readScope, err := s.store.ReadScope(ctx)
	if err != nil {
		return 0, err
	}
	agent, err := readScope.GetAgent(readCtx, agentID)
	closeErr := readScope.Close()
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if closeErr != nil {
		return 0, closeErr
	}

	if agent.ProcessID > 0 && s.terminator != nil {
		if err := s.terminator.Terminate(ctx, agent.ProcessID); err != nil {
			// Termination failure never blocks the state transition; the
			// process may already be gone.
			s.log.WithError(err).WithAgentID(agentID).Warn("subprocess termination failed",
				zap.Int("pid", agent.ProcessID))
		}
	}

	scopeCtx, scope, err := s.store.WriteScope(ctx)
	if err != nil {
		return 0, err
	}
	defer scope.Close()

	if err := scope.UpdateAgentStatus(scopeCtx, agentID, v1.AgentStatusKilled, nil, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	reclaimed, err := scope.ReclaimAgentWork(scopeCtx, agentID, v1.AgentTerminatedReason, now)
	if err != nil {
		return 0, err
	}
	if err := scope.Complete(); err != nil {
		return 0, err
	}

	if err := s.agents.PublishKilled(ctx, events.AgentKilledPayload{
		ID:            agentID,
		PersonaID:     agent.PersonaID,
		ReclaimedWork: len(reclaimed),
	}); err != nil {
		s.log.WithError(err).WithAgentID(agentID).Warn("failed to publish agent killed event")
	}
	for _, item := range reclaimed {
		if err := s.tasks.PublishFailed(ctx, events.TaskFailedPayload{
			ID:        item.ID,
			PersonaID: item.PersonaID,
			AgentID:   agentID,
			Reason:    v1.AgentTerminatedReason,
		}); err != nil {
			s.log.WithError(err).WithTaskID(item.ID).Warn("failed to publish task failed event")
		}
	}

	s.log.WithAgentID(agentID).Warn("agent killed",
		zap.Int("reclaimed_work_items", len(reclaimed)))
	return len(reclaimed), nil
}

// Get fetches one agent by id.
func (s *Service) Get(ctx context.Context, agentID string) (*v1.Agent, error) {
	scopeCtx, scope, err := s.store.ReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	return scope.GetAgent(scopeCtx, agentID)
}

// List returns agents, optionally narrowed to one persona.
func (s *Service) List(ctx context.Context, personaFilter string) ([]*v1.Agent, error) {
	scopeCtx, scope, err := s.store.ReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	return scope.ListAgents(scopeCtx, personaFilter)
}

// LaunchRequest describes a new agent subprocess.
type LaunchRequest struct {
	PersonaID        string
	Description      string
	WorkingDirectory string
	WorktreeName     string
	Model            string
	Yolo             bool
}

// Launch registers a new agent, spawns its subprocess through the configured
// launcher, and marks it running under the subprocess pid. The description
// becomes the agent's first pre-assigned work item so the subprocess finds
// its instructions on the first get_next_task poll.
func (s *Service) Launch(ctx context.Context, req LaunchRequest, createWork func(ctx context.Context, agentID string) error) (*v1.Agent, error) {
	if s.launcher == nil {
		return nil, fmt.Errorf("%w: no launcher configured", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidRequest)
	}
	if req.WorkingDirectory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		req.WorkingDirectory = wd
	}

	agent, err := s.Register(ctx, RegisterRequest{
		PersonaID:        req.PersonaID,
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
		WorktreeName:     req.WorktreeName,
	})
	if err != nil {
		return nil, err
	}

	if createWork != nil {
		if err := createWork(ctx, agent.ID); err != nil {
			return nil, err
		}
	}

	pid, err := s.launcher.Launch(ctx, LaunchSpec{
		AgentID:          agent.ID,
		PersonaID:        agent.PersonaID,
		Description:      req.Description,
		WorkingDirectory: agent.WorkingDirectory,
		WorktreeName:     agent.WorktreeName,
		Model:            agent.Model,
		Yolo:             req.Yolo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch agent subprocess: %w", err)
	}

	if err := s.MarkRunning(ctx, agent.ID, pid); err != nil {
		return nil, err
	}
	agent.Status = v1.AgentStatusRunning
	agent.ProcessID = pid
	return agent, nil
}
