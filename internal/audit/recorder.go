// Package audit persists every bus event as a row in the audit log. The
// recorder is a background subscriber: it must never slow down or fail the
// operations that publish, so it subscribes with a drop-oldest channel and
// swallows its own write errors.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/events"
	"github.com/taskhive/taskhive/internal/events/bus"
	"github.com/taskhive/taskhive/internal/notify"
	"github.com/taskhive/taskhive/internal/storage"
)

const defaultDrainTimeout = 5 * time.Second

// Recorder subscribes to both event buses and appends one audit row per
// received envelope.
type Recorder struct {
	store  *storage.Store
	tasks  *notify.TaskNotifier
	agents *notify.AgentNotifier
	opts   bus.SubscribeOptions
	log    *logger.Logger

	// DrainTimeout bounds how long Stop waits for in-flight writes.
	DrainTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder that subscribes with the given channel
// options. Callers normally pass a drop-oldest policy here.
func NewRecorder(store *storage.Store, tasks *notify.TaskNotifier, agents *notify.AgentNotifier, opts bus.SubscribeOptions, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Default()
	}
	return &Recorder{
		store:        store,
		tasks:        tasks,
		agents:       agents,
		opts:         opts,
		log:          log,
		DrainTimeout: defaultDrainTimeout,
	}
}

// Start opens the subscriptions and begins recording. It returns once the
// consumers are running.
func (r *Recorder) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	taskCh := r.tasks.SubscribeAllWithOptions(runCtx, r.opts)
	agentCh := r.agents.SubscribeAllWithOptions(runCtx, r.opts)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		for env := range taskCh {
			r.write(r.taskRecord(env))
		}
	}()
	go func() {
		defer r.wg.Done()
		for env := range agentCh {
			r.write(r.agentRecord(env))
		}
	}()

	r.log.Info("audit recorder started")
}

// Stop cancels the subscriptions and waits up to DrainTimeout for buffered
// envelopes to be written out.
func (r *Recorder) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("audit recorder drained")
	case <-time.After(r.DrainTimeout):
		r.log.Warn("audit recorder shutdown window expired with writes pending")
	}
}

func (r *Recorder) taskRecord(env notify.TaskEnvelope) *storage.AuditRecord {
	rec := &storage.AuditRecord{
		EventID:    env.ID,
		EventType:  string(env.Type),
		EntityType: storage.EntityTask,
		EntityID:   env.Payload.TaskID(),
		Actor:      events.TaskAgentID(env.Payload),
		Severity:   string(events.TaskSeverity(env.Type)),
		Payload:    marshalPayload(env.Payload),
		CreatedAt:  env.Timestamp,
	}
	if env.Type == events.TaskCreated {
		rec.Tags = []string{"persona:" + events.TaskPersonaID(env.Payload)}
	}
	return rec
}

func (r *Recorder) agentRecord(env notify.AgentEnvelope) *storage.AuditRecord {
	rec := &storage.AuditRecord{
		EventID:    env.ID,
		EventType:  string(env.Type),
		EntityType: storage.EntityAgent,
		EntityID:   env.Payload.AgentID(),
		Actor:      env.Payload.AgentID(),
		Severity:   string(events.AgentSeverity(env.Type)),
		Payload:    marshalPayload(env.Payload),
		CreatedAt:  env.Timestamp,
	}
	if p, ok := env.Payload.(events.AgentRegisteredPayload); ok {
		rec.Tags = []string{"persona:" + p.PersonaID}
	}
	return rec
}

// marshalPayload renders the event payload as JSON for the audit row. A
// payload that cannot marshal yields an empty column rather than a lost row.
func marshalPayload(p any) string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(data)
}

// write appends one row. Failures are logged and swallowed; audit must not
// propagate errors back toward publishers.
func (r *Recorder) write(rec *storage.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	scopeCtx, scope, err := r.store.WriteScope(ctx)
	if err != nil {
		r.log.WithError(err).Warn("audit write skipped",
			zap.String("event_type", rec.EventType))
		return
	}
	defer scope.Close()
	if err := scope.InsertAuditRecord(scopeCtx, rec); err != nil {
		r.log.WithError(err).Warn("audit write failed",
			zap.String("event_type", rec.EventType))
		return
	}
	if err := scope.Complete(); err != nil {
		r.log.WithError(err).Warn("audit commit failed",
			zap.String("event_type", rec.EventType))
	}
}
