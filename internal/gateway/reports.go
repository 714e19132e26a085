package gateway

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/basket/taskboard/internal/persistence"
	"github.com/basket/taskboard/internal/settings"
	"github.com/basket/taskboard/internal/stats"
)

const maxActivityLimit = 100

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := persistence.ActivityQuery{
		AgentID: params.Get("agent_id"),
		TaskID:  params.Get("task_id"),
		Type:    persistence.ActivityType(params.Get("type")),
	}
	if q.Type != "" && !q.Type.Valid() {
		writeError(w, http.StatusBadRequest, "type: invalid value")
		return
	}
	var ok bool
	if q.Limit, ok = queryInt(r, "limit", persistence.DefaultActivityLimit, 1, maxActivityLimit); !ok {
		writeError(w, http.StatusBadRequest, "limit: must be an integer between 1 and 100")
		return
	}
	if q.Offset, ok = queryInt(r, "offset", 0, 0, 0); !ok {
		writeError(w, http.StatusBadRequest, "offset: must be a non-negative integer")
		return
	}
	if q.Since, ok = queryTime(r, "since"); !ok {
		writeError(w, http.StatusBadRequest, "since: invalid datetime")
		return
	}

	activities, err := s.cfg.Store.ListActivities(r.Context(), q)
	if err != nil {
		s.writeInternal(w, r, "list activities", err)
		return
	}
	total, err := s.cfg.Store.CountActivities(r.Context(), q)
	if err != nil {
		s.writeInternal(w, r, "count activities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activities": activities,
		"count":      len(activities),
		"total":      total,
	})
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	q := stats.UsageQuery{AgentID: r.URL.Query().Get("agent_id")}
	var ok bool
	if q.From, ok = queryTime(r, "from"); !ok {
		writeError(w, http.StatusBadRequest, "from: invalid datetime")
		return
	}
	if q.To, ok = queryTime(r, "to"); !ok {
		writeError(w, http.StatusBadRequest, "to: invalid datetime")
		return
	}
	usage, err := s.cfg.Stats.Usage(r.Context(), q)
	if err != nil {
		s.writeInternal(w, r, "usage stats", err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleAgentUsage(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Stats.AgentSummary(r.Context(), chi.URLParam(r, "id"), s.now())
	if err != nil {
		s.logger.Error("agent usage: failed", "agent_id", chi.URLParam(r, "id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch usage summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- agent settings ---

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.cfg.Settings.Models()})
}

func (s *Server) handleListAgentSettings(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Settings.List(r.Context())
	if err != nil {
		s.writeInternal(w, r, "list agent settings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgentSettings(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Settings.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, settings.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Agent settings not found")
		return
	}
	if err != nil {
		s.writeInternal(w, r, "get agent settings", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePutAgentSettings(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := settings.DecodeUpdate(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	rec, err := s.cfg.Settings.Upsert(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeInternal(w, r, "put agent settings", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteAgentSettings(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Settings.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, settings.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Agent settings not found")
		return
	}
	if err != nil {
		s.writeInternal(w, r, "delete agent settings", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
