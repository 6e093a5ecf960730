package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/freitascorp/agentrelay/pkg/relay"
	"github.com/freitascorp/agentrelay/pkg/session"
)

// createSessionRequest is the POST /v1/sessions body. All fields optional;
// a missing id gets a generated UUID.
type createSessionRequest struct {
	ID            string `json:"id"`
	InitialPrompt string `json:"initialPrompt"`
	WorkerContext string `json:"workerContext"`
}

// handleCreateSession registers a new session: a row in the store and a
// live Relay waiting for its container. Idempotent on the relay side; a
// duplicate id is a store-level conflict.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticateBrowser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if s.store != nil {
		err := s.store.CreateSession(r.Context(), &session.Session{
			ID:            req.ID,
			UserID:        userID,
			Status:        session.StatusStarting,
			InitialPrompt: req.InitialPrompt,
			WorkerContext: req.WorkerContext,
		})
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	}

	rl := s.registry.GetOrCreate(req.ID, userID, &relay.CreateOptions{
		InitialPrompt: req.InitialPrompt,
		WorkerContext: req.WorkerContext,
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     rl.SessionID(),
		"userId": rl.UserID(),
		"status": rl.Status(),
	})
}

// handleListSessions returns the caller's persisted sessions. With auth
// disabled it returns everything.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticateBrowser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if s.store == nil {
		// No persistence: report live relays only.
		out := make([]map[string]any, 0)
		for _, id := range s.registry.Sessions() {
			rl := s.registry.Get(id)
			if rl == nil || (userID != "" && rl.UserID() != userID) {
				continue
			}
			out = append(out, map[string]any{
				"id":     rl.SessionID(),
				"userId": rl.UserID(),
				"status": rl.Status(),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Live status wins over the persisted row.
	for _, sess := range sessions {
		if rl := s.registry.Get(sess.ID); rl != nil {
			sess.Status = rl.Status()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticateBrowser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")

	if s.store != nil {
		sess, err := s.store.GetSession(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if userID != "" && sess.UserID != userID {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if rl := s.registry.Get(id); rl != nil {
			sess.Status = rl.Status()
		}
		writeJSON(w, http.StatusOK, sess)
		return
	}

	rl := s.registry.Get(id)
	if rl == nil || (userID != "" && rl.UserID() != userID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     rl.SessionID(),
		"userId": rl.UserID(),
		"status": rl.Status(),
	})
}

// handleDeleteSession tears the relay down (container closed with 1000,
// browsers get a terminal stopped status) and marks the row stopped.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticateBrowser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")

	rl := s.registry.Get(id)
	if rl == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if userID != "" && rl.UserID() != userID {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.registry.Remove(id)
	s.rec.RecordStatus(id, relay.StatusStopped, nil)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticateBrowser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "no session store configured")
		return
	}
	id := r.PathValue("id")

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil || (userID != "" && sess.UserID != userID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	msgs, err := s.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*session.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
