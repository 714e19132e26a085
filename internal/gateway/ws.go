package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskboard/internal/metrics"
	"github.com/basket/taskboard/internal/shared"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
	// wsQueueSize bounds the frames waiting for one client. A client that
	// lets it fill is disconnected instead of delaying everyone else.
	wsQueueSize = 64
)

// client is one push connection. Frames reach it through queue and are
// written by the connection's own goroutine.
type client struct {
	conn   *websocket.Conn
	actor  shared.Actor
	taskID string
	queue  chan pushFrame

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn *websocket.Conn, actor shared.Actor, taskID string) *client {
	return &client{
		conn:   conn,
		actor:  actor,
		taskID: taskID,
		queue:  make(chan pushFrame, wsQueueSize),
		closed: make(chan struct{}),
	}
}

// offer queues frame without blocking. It reports false when the client is
// too far behind.
func (c *client) offer(frame pushFrame) bool {
	if c.taskID != "" && payloadTaskID(frame.Data) != c.taskID {
		return true
	}
	select {
	case c.queue <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close(code, reason)
	})
}

// handleWS upgrades an authenticated request to a push-only websocket.
// ?task_id= narrows the feed to one task. Incoming messages are discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFrom(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	c := newClient(conn, actor, r.URL.Query().Get("task_id"))
	s.addClient(c)
	log := s.logger.With("user", actor.Email, "task_id", c.taskID)
	log.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		c.close(websocket.StatusNormalClosure, "bye")
		log.Info("ws: client disconnected")
	}()

	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case frame := <-c.queue:
			if err := c.writeFrame(ctx, frame); err != nil {
				log.Warn("ws: write failed", "event", frame.Event, "error", err)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("ws: ping failed", "error", err)
				return
			}
		}
	}
}

func (c *client) writeFrame(ctx context.Context, frame pushFrame) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, frame)
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	metrics.WSClients.Inc()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if ok {
		metrics.WSClients.Dec()
	}
}

func (s *Server) snapshotClients() []*client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// forwardBoardEvents fans board events out to connected clients until the
// bus subscription is closed.
func (s *Server) forwardBoardEvents() {
	defer close(s.done)
	for ev := range s.busSub.Ch() {
		s.broadcast(pushFrame{Seq: ev.Seq, Event: ev.Topic, Data: ev.Payload})
	}
}

func (s *Server) broadcast(frame pushFrame) {
	clients := s.snapshotClients()
	s.logger.Debug("ws: broadcast", "event", frame.Event, "seq", frame.Seq, "clients", len(clients))
	for _, c := range clients {
		if !c.offer(frame) {
			s.logger.Warn("ws: client too slow, disconnecting", "user", c.actor.Email, "event", frame.Event)
			s.removeClient(c)
			c.close(websocket.StatusPolicyViolation, "client too slow")
		}
	}
}
