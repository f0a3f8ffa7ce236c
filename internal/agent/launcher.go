package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/common/logger"
)

// LaunchSpec carries everything a launcher needs to spawn one agent
// subprocess.
type LaunchSpec struct {
	AgentID          string
	PersonaID        string
	Description      string
	WorkingDirectory string
	WorktreeName     string
	Model            string
	Yolo             bool
}

// Launcher spawns agent subprocesses. Implementations return the pid of the
// started process; the process is expected to poll get_next_task with its
// agent id.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (int, error)
}

// ExecLauncher starts agents by executing a configured command. The spec is
// handed to the child through TASKHIVE_* environment variables so any agent
// runner can be dropped in without flag plumbing.
type ExecLauncher struct {
	// Command is the agent runner binary.
	Command string
	// Args are passed verbatim before the agent id.
	Args []string

	log *logger.Logger
}

// NewExecLauncher creates a launcher for the given runner command.
func NewExecLauncher(command string, args []string, log *logger.Logger) *ExecLauncher {
	if log == nil {
		log = logger.Default()
	}
	return &ExecLauncher{Command: command, Args: args, log: log}
}

// Launch starts the runner detached from the caller's wait. The child's
// lifetime is tracked through heartbeats, not through process wait.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (int, error) {
	if l.Command == "" {
		return 0, fmt.Errorf("launcher command is not configured")
	}

	args := append(append([]string{}, l.Args...), spec.AgentID)
	cmd := exec.CommandContext(ctx, l.Command, args...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = append(os.Environ(),
		"TASKHIVE_AGENT_ID="+spec.AgentID,
		"TASKHIVE_PERSONA_ID="+spec.PersonaID,
		"TASKHIVE_WORKTREE_NAME="+spec.WorktreeName,
		"TASKHIVE_MODEL="+spec.Model,
	)
	if spec.Yolo {
		cmd.Env = append(cmd.Env, "TASKHIVE_YOLO=1")
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start agent runner: %w", err)
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits so it never lingers as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			l.log.WithAgentID(spec.AgentID).Debug("agent runner exited",
				zap.Int("pid", pid), zap.Error(err))
		}
	}()

	l.log.WithAgentID(spec.AgentID).WithPersona(spec.PersonaID).Info("agent runner started",
		zap.Int("pid", pid), zap.String("command", l.Command))
	return pid, nil
}
