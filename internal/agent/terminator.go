package agent

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/common/logger"
)

// Terminator stops an agent subprocess by pid.
type Terminator interface {
	Terminate(ctx context.Context, pid int) error
}

const terminatePollInterval = 100 * time.Millisecond

// ProcessTerminator signals SIGTERM, waits up to the grace period for the
// process to exit, then escalates to SIGKILL.
type ProcessTerminator struct {
	GracePeriod time.Duration

	log *logger.Logger
}

// NewProcessTerminator creates a terminator with the given grace period.
func NewProcessTerminator(gracePeriod time.Duration, log *logger.Logger) *ProcessTerminator {
	if log == nil {
		log = logger.Default()
	}
	return &ProcessTerminator{GracePeriod: gracePeriod, log: log}
}

// Terminate implements Terminator. A pid that is already gone is not an
// error.
func (t *ProcessTerminator) Terminate(ctx context.Context, pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	t.log.Debug("sent SIGTERM to agent subprocess", zap.Int("pid", pid))

	deadline := time.NewTimer(t.GracePeriod)
	defer deadline.Stop()
	ticker := time.NewTicker(terminatePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			t.log.Warn("grace period expired, escalating to SIGKILL", zap.Int("pid", pid))
			if err := proc.Signal(syscall.SIGKILL); err != nil {
				if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
					return nil
				}
				return err
			}
			return nil
		case <-ticker.C:
			// Signal 0 probes liveness without delivering anything.
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return nil
			}
		}
	}
}
