package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/basket/taskboard/internal/board"
	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/shared"
)

// lifecycleStatus maps a rejected lifecycle result to its HTTP status.
// Validation failures are 400; every other rejection is a 409.
func lifecycleStatus(kind board.FailureKind) int {
	if kind == board.KindValidationFailed {
		return http.StatusBadRequest
	}
	return http.StatusConflict
}

// editStatus maps a rejected create, update or delete.
func editStatus(kind board.FailureKind) int {
	switch kind {
	case board.KindValidationFailed:
		return http.StatusBadRequest
	case board.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

// requireAgent reads the acting agent from the X-Agent-Id header.
func requireAgent(w http.ResponseWriter, r *http.Request) (string, *http.Request, bool) {
	agentID := strings.TrimSpace(r.Header.Get(AgentHeader))
	if agentID == "" {
		writeError(w, http.StatusUnauthorized, "x-agent-id header required")
		return "", r, false
	}
	return agentID, r.WithContext(shared.WithAgentID(r.Context(), agentID)), true
}

// loadOwned fetches the task named in the path and checks that a non-admin
// actor created it.
func (s *Server) loadOwned(w http.ResponseWriter, r *http.Request) (*persistence.Task, bool) {
	task, err := s.cfg.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return nil, false
	}
	if err != nil {
		s.writeInternal(w, r, "get task", err)
		return nil, false
	}
	actor, _ := shared.ActorFrom(r.Context())
	if !actor.IsAdmin() && task.CreatedBy != actor.UserID {
		writeError(w, http.StatusForbidden, "Access denied")
		return nil, false
	}
	return task, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := persistence.TaskQuery{
		Status:    persistence.TaskStatus(r.URL.Query().Get("status")),
		ClaimedBy: r.URL.Query().Get("claimed_by"),
	}
	if q.Status != "" && !q.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status: invalid value")
		return
	}
	if skills := r.URL.Query().Get("skills"); skills != "" {
		for _, sk := range strings.Split(skills, ",") {
			if sk = strings.TrimSpace(sk); sk != "" {
				q.Skills = append(q.Skills, sk)
			}
		}
	}
	var ok bool
	if q.Limit, ok = queryInt(r, "limit", persistence.DefaultTaskLimit, 1, persistence.MaxTaskLimit); !ok {
		writeError(w, http.StatusBadRequest, "limit: must be an integer between 1 and 100")
		return
	}
	if q.Offset, ok = queryInt(r, "offset", 0, 0, 0); !ok {
		writeError(w, http.StatusBadRequest, "offset: must be a non-negative integer")
		return
	}
	actor, _ := shared.ActorFrom(r.Context())
	if !actor.IsAdmin() {
		q.CreatedBy = actor.UserID
	}

	tasks, err := s.cfg.Engine.List(r.Context(), q)
	if err != nil {
		s.writeInternal(w, r, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := board.DecodeCreate(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	actor, _ := shared.ActorFrom(r.Context())
	in.CreatedBy = actor.UserID

	res, err := s.cfg.Engine.Create(r.Context(), in)
	if err != nil {
		s.writeInternal(w, r, "create task", err)
		return
	}
	if !res.OK {
		writeError(w, editStatus(res.Kind), res.Reason)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": res.Task})
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := board.DecodeUpdate(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	actor, _ := shared.ActorFrom(r.Context())
	res, err := s.cfg.Engine.UpdateFields(r.Context(), task.ID, in, actor.UserID)
	if err != nil {
		s.writeInternal(w, r, "update task", err)
		return
	}
	if !res.OK {
		writeError(w, editStatus(res.Kind), res.Reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": res.Task})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	actor, _ := shared.ActorFrom(r.Context())
	res, err := s.cfg.Engine.Delete(r.Context(), task.ID, actor.UserID)
	if err != nil {
		s.writeInternal(w, r, "delete task", err)
		return
	}
	if !res.OK {
		writeError(w, editStatus(res.Kind), res.Reason)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := board.DecodeClaim(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	ctx := shared.WithAgentID(r.Context(), in.AgentID)
	res, err := s.cfg.Engine.Claim(ctx, chi.URLParam(r, "id"), in.AgentID)
	if err != nil {
		s.writeInternal(w, r, "claim task", err)
		return
	}
	s.writeLifecycle(w, res)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	agentID, r, ok := requireAgent(w, r)
	if !ok {
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := board.DecodeComplete(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	res, err := s.cfg.Engine.Complete(r.Context(), chi.URLParam(r, "id"), agentID, in)
	if err != nil {
		s.writeInternal(w, r, "complete task", err)
		return
	}
	s.writeLifecycle(w, res)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	agentID, r, ok := requireAgent(w, r)
	if !ok {
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := board.DecodeBlock(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	res, err := s.cfg.Engine.Block(r.Context(), chi.URLParam(r, "id"), agentID, in.Reason)
	if err != nil {
		s.writeInternal(w, r, "block task", err)
		return
	}
	s.writeLifecycle(w, res)
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	agentID, r, ok := requireAgent(w, r)
	if !ok {
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := board.DecodeHandoff(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	res, err := s.cfg.Engine.Handoff(r.Context(), chi.URLParam(r, "id"), agentID, in)
	if err != nil {
		s.writeInternal(w, r, "handoff task", err)
		return
	}
	if !res.OK {
		writeError(w, lifecycleStatus(res.Kind), res.Reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"completed_task": res.Task,
		"next_task":      res.Next,
	})
}

func (s *Server) writeLifecycle(w http.ResponseWriter, res board.Result) {
	if !res.OK {
		writeError(w, lifecycleStatus(res.Kind), res.Reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": res.Task})
}

func (s *Server) handleArchiveColumn(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := board.DecodeArchive(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	count, err := s.cfg.Engine.ArchiveColumn(r.Context(), in.Status)
	if errors.Is(err, board.ErrInvalidStatus) {
		writeError(w, http.StatusBadRequest, "status: invalid value")
		return
	}
	if err != nil {
		s.writeInternal(w, r, "archive column", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": count, "status": in.Status})
}
