package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agentserver/agentserver/internal/models"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	now := time.Now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		Title:     body.Title,
		Status:    models.SessionIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store.CreateSession(r.Context(), sess); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Store.ListSessions(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.Store.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	turns, err := s.Store.ListTurns(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*models.Session
		Turns []*models.Turn `json:"turns"`
	}{sess, turns})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	sess, err := s.Store.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	sess.Title = body.Title
	sess.UpdatedAt = time.Now()
	if err := s.Store.UpdateSession(r.Context(), sess); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Store.DeleteSession(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleListEvents backs the polling fallback to SSE: GET
// /sessions/{id}/events?since=<id>|since_seq=<n>.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()

	if sinceSeq := q.Get("since_seq"); sinceSeq != "" {
		n, err := strconv.ParseInt(sinceSeq, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since_seq")
			return
		}
		events, err := s.Store.EventsSinceSeq(r.Context(), id, n)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	var since int64
	if raw := q.Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}
	events, err := s.Store.EventsSince(r.Context(), id, since)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
