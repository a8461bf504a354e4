package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentserver/agentserver/internal/models"
)

func (s *Server) handleListContext(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	items, err := s.Store.ListContextItems(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleContextPin(w http.ResponseWriter, r *http.Request) {
	s.setPinned(w, r, true)
}

func (s *Server) handleContextUnpin(w http.ResponseWriter, r *http.Request) {
	s.setPinned(w, r, false)
}

func (s *Server) setPinned(w http.ResponseWriter, r *http.Request, pinned bool) {
	var body struct {
		ContextID string `json:"context_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	item, err := s.Store.GetContextItem(r.Context(), body.ContextID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	item.Pinned = pinned
	if err := s.Store.UpdateContextItem(r.Context(), item); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleContextSetPinnedRef creates or updates a pinned reference item
// (a file, a web page, a manually pinned summary) in one call, so a
// client doesn't need a separate create-then-pin round trip.
func (s *Server) handleContextSetPinnedRef(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var body struct {
		ID         string                 `json:"id"`
		Kind       models.ContextItemKind `json:"kind"`
		Title      string                 `json:"title"`
		ContentRef string                 `json:"content_ref"`
		Pinned     bool                   `json:"pinned"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch body.Kind {
	case models.ContextItemFile, models.ContextItemWeb, models.ContextItemSummary, models.ContextItemMemory:
	default:
		writeError(w, http.StatusBadRequest, "invalid kind")
		return
	}

	if body.ID != "" {
		item, err := s.Store.GetContextItem(r.Context(), body.ID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		item.Title = body.Title
		item.ContentRef = body.ContentRef
		item.Pinned = body.Pinned
		if err := s.Store.UpdateContextItem(r.Context(), item); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
		return
	}

	item := &models.ContextItem{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Kind:       body.Kind,
		Title:      body.Title,
		ContentRef: body.ContentRef,
		Pinned:     body.Pinned,
		CreatedAt:  time.Now(),
	}
	if err := s.Store.CreateContextItem(r.Context(), item); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}
