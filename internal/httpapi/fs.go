package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"os"

	"github.com/agentserver/agentserver/internal/store"
)

// manualTurn/manualStep tag file changes made through the REST
// surface directly (rollback is the only such route) rather than by a
// running turn's tool call. There is no active Turn/Step at this call
// site, so FileChange rows from here carry these sentinel ids instead
// of leaving TurnID/StepID empty and indistinguishable from a
// not-yet-backfilled row.
const (
	manualTurn = "manual"
	manualStep = "manual"
)

func (s *Server) handleFSTree(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	entries, err := s.FS.ListTree(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleFSRead(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	data, truncated, err := s.FS.Read(r.Context(), path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":      path,
		"content":   base64.StdEncoding.EncodeToString(data),
		"truncated": truncated,
	})
}

func (s *Server) handleFSVersions(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	versions, err := s.FS.Versions(r.Context(), sessionID, path)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleFSVersion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("vid")
	v, err := s.FS.GetVersion(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeStoreError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleFSRollback(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var body struct {
		VersionID string `json:"version_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.VersionID == "" {
		writeError(w, http.StatusBadRequest, "version_id is required")
		return
	}
	change, err := s.FS.Rollback(r.Context(), sessionID, manualTurn, manualStep, body.VersionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeStoreError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, change)
}
