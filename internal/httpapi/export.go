package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/agentserver/agentserver/internal/models"
)

// handleExportJSON dumps a session's full durable state: the session
// row, its turns, and its complete event log, so a client can archive
// or replay a conversation without re-deriving it from the live API.
func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, err := s.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	turns, err := s.Store.ListTurns(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	events, err := s.Store.EventsSinceSeq(r.Context(), sessionID, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Session *models.Session  `json:"session"`
		Turns   []*models.Turn   `json:"turns"`
		Events  []*models.Event  `json:"events"`
	}{sess, turns, events})
}

// handleExportMarkdown renders the turn/final-response pairs as a
// readable transcript, skipping the tool-call and thinking detail
// export.json preserves in full.
func (s *Server) handleExportMarkdown(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, err := s.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	history, err := s.buildHistory(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", nonEmpty(sess.Title, sess.ID))
	for _, m := range history {
		switch m.Role {
		case "user":
			fmt.Fprintf(&b, "## User\n\n%s\n\n", m.Text)
		case "assistant":
			fmt.Fprintf(&b, "## Assistant\n\n%s\n\n", m.Text)
		}
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
