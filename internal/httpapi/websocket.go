package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/taskhive/taskhive/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only observability data; origin checks are left to
	// the deployment's proxy layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// eventFrame is one websocket message on the /ws/events feed.
type eventFrame struct {
	Kind      string    `json:"kind"` // "task" or "agent"
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// eventsWebsocket streams every task and agent event to the client. Slow
// clients get drop-oldest channels so they can never back-pressure the
// services publishing events.
func (s *Server) eventsWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	opts := bus.SubscribeOptions{Capacity: 256, Overflow: bus.OverflowDropOldest}
	taskCh := s.services.Tasks.SubscribeAllWithOptions(ctx, opts)
	agentCh := s.services.AgentBus.SubscribeAllWithOptions(ctx, opts)

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice closes and answer pings.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	writeFrame := func(frame eventFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(frame); err != nil {
			s.log.WithError(err).Debug("websocket client gone")
			return false
		}
		return true
	}

	for {
		select {
		case env, ok := <-taskCh:
			if !ok {
				return
			}
			if !writeFrame(eventFrame{
				Kind:      "task",
				EventID:   env.ID,
				EventType: string(env.Type),
				Timestamp: env.Timestamp,
				Payload:   env.Payload,
			}) {
				return
			}
		case env, ok := <-agentCh:
			if !ok {
				return
			}
			if !writeFrame(eventFrame{
				Kind:      "agent",
				EventID:   env.ID,
				EventType: string(env.Type),
				Timestamp: env.Timestamp,
				Payload:   env.Payload,
			}) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
