// Package mirror republishes the in-process event buses to an external NATS
// server so other systems can observe the hive without a direct subscription.
// The mirror is strictly one-way and best-effort: it never feeds events back
// in, and a slow or absent broker never back-pressures the services.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/events/bus"
	"github.com/taskhive/taskhive/internal/notify"
)

// Config holds the NATS mirror configuration.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
}

// Mirror forwards task and agent events to NATS subjects of the form
// <prefix>.tasks.<event_type> and <prefix>.agents.<event_type>.
type Mirror struct {
	cfg    Config
	tasks  *notify.TaskNotifier
	agents *notify.AgentNotifier
	log    *logger.Logger

	conn   *nats.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// wireEvent is the JSON shape published to NATS.
type wireEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// New creates a mirror over the given notifiers. It does not connect until
// Start is called.
func New(cfg Config, tasks *notify.TaskNotifier, agents *notify.AgentNotifier, log *logger.Logger) *Mirror {
	if log == nil {
		log = logger.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "taskhive"
	}
	return &Mirror{
		cfg:    cfg,
		tasks:  tasks,
		agents: agents,
		log:    log,
	}
}

// Start connects to NATS and begins forwarding. The subscriptions use
// drop-oldest channels so publishers are never blocked by broker hiccups.
func (m *Mirror) Start(ctx context.Context) error {
	conn, err := nats.Connect(m.cfg.URL,
		nats.Name("taskhive-mirror"),
		nats.MaxReconnects(m.cfg.MaxReconnects),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			m.log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", m.cfg.URL, err)
	}
	m.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	opts := bus.SubscribeOptions{Capacity: 256, Overflow: bus.OverflowDropOldest}
	taskCh := m.tasks.SubscribeAllWithOptions(runCtx, opts)
	agentCh := m.agents.SubscribeAllWithOptions(runCtx, opts)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		for env := range taskCh {
			m.forward(m.cfg.SubjectPrefix+".tasks."+string(env.Type), wireEvent{
				ID:        env.ID,
				Type:      string(env.Type),
				Timestamp: env.Timestamp,
				Payload:   env.Payload,
			})
		}
	}()
	go func() {
		defer m.wg.Done()
		for env := range agentCh {
			m.forward(m.cfg.SubjectPrefix+".agents."+string(env.Type), wireEvent{
				ID:        env.ID,
				Type:      string(env.Type),
				Timestamp: env.Timestamp,
				Payload:   env.Payload,
			})
		}
	}()

	m.log.Info("NATS mirror started",
		zap.String("url", m.cfg.URL),
		zap.String("subject_prefix", m.cfg.SubjectPrefix))
	return nil
}

func (m *Mirror) forward(subject string, event wireEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		m.log.WithError(err).Warn("failed to encode event for NATS",
			zap.String("subject", subject))
		return
	}
	if err := m.conn.Publish(subject, data); err != nil {
		m.log.WithError(err).Debug("failed to publish event to NATS",
			zap.String("subject", subject))
	}
}

// Stop unsubscribes, flushes pending messages, and closes the connection.
func (m *Mirror) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.conn != nil {
		_ = m.conn.Flush()
		m.conn.Close()
	}
}
