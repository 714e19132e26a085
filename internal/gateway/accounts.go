package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/basket/taskboard/internal/auth"
	"github.com/basket/taskboard/internal/shared"
)

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	required, err := s.cfg.Auth.SetupRequired(r.Context())
	if err != nil {
		s.writeInternal(w, r, "setup status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"setupRequired": required})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := auth.DecodeSetup(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	sess, err := s.cfg.Auth.SetupAdmin(r.Context(), in)
	switch {
	case errors.Is(err, auth.ErrSetupCompleted):
		writeError(w, http.StatusBadRequest, "Setup already completed")
		return
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusBadRequest, "Email already in use")
		return
	case err != nil:
		s.writeInternal(w, r, "setup", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := auth.DecodeLogin(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	sess, err := s.cfg.Auth.Login(r.Context(), in)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err != nil {
		s.writeInternal(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := auth.DecodeRefresh(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	sess, err := s.cfg.Auth.Refresh(r.Context(), in.RefreshToken)
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "Token expired")
		return
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrRefreshNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	case err != nil:
		s.writeInternal(w, r, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleLogout revokes the refresh token in the body, if any. It always
// succeeds for an authenticated caller.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	var in auth.RefreshInput
	_ = json.Unmarshal(raw, &in)
	if in.RefreshToken != "" {
		actor, _ := shared.ActorFrom(r.Context())
		if err := s.cfg.Auth.Revoke(r.Context(), actor.UserID, in.RefreshToken); err != nil {
			s.logger.Warn("logout: revoke failed", "user_id", actor.UserID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFrom(r.Context())
	u, err := s.cfg.Auth.GetUser(r.Context(), actor.UserID)
	if errors.Is(err, auth.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.writeInternal(w, r, "me", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

// --- user management (admin) ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.cfg.Auth.ListUsers(r.Context())
	if err != nil {
		s.writeInternal(w, r, "list users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.cfg.Auth.GetUser(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, auth.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.writeInternal(w, r, "get user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := auth.DecodeCreateUser(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	u, err := s.cfg.Auth.CreateUser(r.Context(), in)
	if errors.Is(err, auth.ErrEmailTaken) {
		writeError(w, http.StatusBadRequest, "Email already in use")
		return
	}
	if err != nil {
		s.writeInternal(w, r, "create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": u})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	in, err := auth.DecodeUpdateUser(raw)
	if err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	u, err := s.cfg.Auth.UpdateUser(r.Context(), chi.URLParam(r, "id"), in)
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found")
		return
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusBadRequest, "Email already in use")
		return
	case err != nil:
		s.writeInternal(w, r, "update user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFrom(r.Context())
	err := s.cfg.Auth.DeleteUser(r.Context(), actor.UserID, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, auth.ErrSelfDelete):
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found")
		return
	case err != nil:
		s.writeInternal(w, r, "delete user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
