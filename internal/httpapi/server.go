// Package httpapi exposes the history and session-control REST API used by
// the threadline CLI and by anything else that wants to browse past sessions.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/threadline-dev/threadline/internal/history"
	"github.com/threadline-dev/threadline/internal/session"
)

// Server serves the REST endpoints under /api/.
type Server struct {
	store    *history.Store
	registry *session.Registry
	apiKey   string
	log      *slog.Logger
}

// NewServer creates the API server. An empty apiKey disables authentication.
func NewServer(store *history.Store, registry *session.Registry, apiKey string, log *slog.Logger) *Server {
	return &Server{
		store:    store,
		registry: registry,
		apiKey:   apiKey,
		log:      log,
	}
}

// Register attaches the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.guard(s.handleHealth))
	mux.HandleFunc("/api/sessions", s.guard(s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.guard(s.handleSession))
}

// guard enforces the Bearer API key when one is configured.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	if s.apiKey == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "bad_request", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSessions lists sessions with filtering, sorting and pagination.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "bad_request", "method not allowed")
		return
	}

	f, err := sessionFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	sessions, total, err := s.store.ListSessions(r.Context(), f)
	if err != nil {
		s.log.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    total,
	})
}

// handleSession dispatches /api/sessions/{id} and its subresources.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "session id required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getSession(w, r, id)
		case http.MethodDelete:
			s.deleteSession(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "bad_request", "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "messages":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "bad_request", "method not allowed")
			return
		}
		s.getMessages(w, r, id)
	case "resume":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "bad_request", "method not allowed")
			return
		}
		s.resumeSession(w, r, id)
	case "name":
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "bad_request", "method not allowed")
			return
		}
		s.renameSession(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "no such session")
			return
		}
		s.log.Error("failed to get session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// deleteSession removes a session and its history. Deleting a session that
// does not exist is not an error: the second delete reports deleted=false.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, id string) {
	// Evict the live instance first so nothing keeps writing to a deleted row.
	if err := s.registry.Close(r.Context(), id); err != nil {
		var se *session.StateError
		if !errors.As(err, &se) || se.Code != session.CodeSessionNotFound {
			s.log.Error("failed to close session before delete", "session_id", id, "error", err)
		}
	}

	deleted := true
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		if !errors.Is(err, history.ErrNotFound) {
			s.log.Error("failed to delete session", "session_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete session")
			return
		}
		deleted = false
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request, id string) {
	q := r.URL.Query()
	f := history.MessageFilter{Role: q.Get("role")}

	var err error
	if f.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid offset")
		return
	}

	msgs, total, err := s.store.GetMessages(r.Context(), id, f)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "no such session")
			return
		}
		s.log.Error("failed to get messages", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"total":    total,
	})
}

// resumeSession brings an evicted session back into the live registry.
// Terminal sessions stay terminal; the response reports their state with
// resumed=false.
func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request, id string) {
	info, live, err := s.registry.Resume(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "no such session")
			return
		}
		s.log.Error("failed to resume session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resume session")
		return
	}

	resp := map[string]any{
		"session_id":         id,
		"state":              info.State,
		"resumed":            live != nil,
		"backend_session_id": nil,
	}
	if info.BackendSessionID != "" {
		resp["backend_session_id"] = info.BackendSessionID
	}
	if live != nil {
		resp["state"] = string(live.State())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) renameSession(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}

	// Renaming a live session goes through the session so subscribers get a
	// notification; otherwise the store is updated directly.
	if sess, err := s.registry.Get(id); err == nil {
		if err := sess.Rename(r.Context(), req.Name); err != nil {
			s.log.Error("failed to rename session", "session_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to rename session")
			return
		}
	} else if err := s.store.UpdateSessionName(r.Context(), id, req.Name); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "no such session")
			return
		}
		s.log.Error("failed to rename session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to rename session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "name": req.Name})
}

func sessionFilterFromQuery(r *http.Request) (history.SessionFilter, error) {
	q := r.URL.Query()
	f := history.SessionFilter{
		Query:  q.Get("q"),
		Name:   q.Get("name"),
		State:  q.Get("state"),
		Tool:   q.Get("tool"),
		SortBy: q.Get("sort"),
		Desc:   q.Get("order") != "asc",
	}

	var err error
	if f.MinTokens, err = intParam(q.Get("min_tokens"), 0); err != nil {
		return f, errors.New("invalid min_tokens")
	}
	if f.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		return f, errors.New("invalid limit")
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		return f, errors.New("invalid offset")
	}
	if f.After, err = timeParam(q.Get("after")); err != nil {
		return f, errors.New("invalid after timestamp")
	}
	if f.Before, err = timeParam(q.Get("before")); err != nil {
		return f, errors.New("invalid before timestamp")
	}
	return f, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
