package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/taskboard/internal/bus"
	"github.com/basket/taskboard/internal/persistence"
)

// pushFrame is the envelope of every pushed board event, on both the
// websocket and the event stream.
type pushFrame struct {
	Seq   uint64 `json:"seq,omitempty"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// payloadTaskID returns the task a board event refers to, or "" for
// column-level events.
func payloadTaskID(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	if t, ok := m["task"].(*persistence.Task); ok && t != nil {
		return t.ID
	}
	if id, ok := m["taskId"].(string); ok {
		return id
	}
	return ""
}

// handleEventStream implements GET /events[?task_id=X] as server-sent
// events. Without task_id every board event is forwarded.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "Event stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}
	taskID := r.URL.Query().Get("task_id")

	sub := s.cfg.Bus.Subscribe(bus.BoardPrefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "task_id", taskID)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if taskID != "" && payloadTaskID(ev.Payload) != taskID {
				continue
			}
			data, err := json.Marshal(pushFrame{Seq: ev.Seq, Event: ev.Topic, Data: ev.Payload})
			if err != nil {
				s.logger.Error("sse: marshal event", "event", ev.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Topic, data); err != nil {
				s.logger.Debug("sse: write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
