package httpapi

import (
	"net/http"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/permission"
)

func (s *Server) handleListPendingPermissions(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	reqs, err := s.Store.ListPendingPermissionRequests(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	type rendered struct {
		*models.PermissionRequest
		Input map[string]any `json:"input"`
	}
	out := make([]rendered, 0, len(reqs))
	for _, req := range reqs {
		input, err := permission.UnmarshalInput(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "malformed permission input")
			return
		}
		out = append(out, rendered{PermissionRequest: req, Input: input})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleResolvePermission backs POST /permissions/{req}/resolve. A
// resolution racing an expiry sweep surfaces the gate's
// store.ErrConflict as 409, not a second terminal transition
// (supplemented feature: expiry/resolve race).
func (s *Server) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("req")
	var body struct {
		Status string                 `json:"status"` // "approved" | "denied"
		Scope  models.PermissionScope `json:"scope"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Scope == "" {
		body.Scope = models.ScopeOnce
	}
	approved := body.Status == string(models.PermissionApproved)
	if !approved && body.Status != string(models.PermissionDenied) {
		writeError(w, http.StatusBadRequest, "status must be approved or denied")
		return
	}

	if err := s.Gate.Resolve(r.Context(), id, approved, body.Scope); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleGetPermissionMode(w http.ResponseWriter, r *http.Request) {
	mode, err := s.Store.GetPermissionMode(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.PermissionGlobalMode{"mode": mode})
}

func (s *Server) handleSetPermissionMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode models.PermissionGlobalMode `json:"mode"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Mode != models.ModeAsk && body.Mode != models.ModeAllow {
		writeError(w, http.StatusBadRequest, "mode must be ask or allow")
		return
	}
	if err := s.Store.SetPermissionMode(r.Context(), body.Mode); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.PermissionGlobalMode{"mode": body.Mode})
}
