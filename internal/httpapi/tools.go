package httpapi

import (
	"net/http"

	"github.com/agentserver/agentserver/internal/models"
)

type toolInfo struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Policy      models.ToolPolicyDecision `json:"policy"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	policies, err := s.Store.ListToolPolicies(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	byName := make(map[string]models.ToolPolicyDecision, len(policies))
	for _, p := range policies {
		byName[p.ToolName] = p.Policy
	}

	tools := s.Tools.List()
	out := make([]toolInfo, 0, len(tools))
	for _, t := range tools {
		policy, ok := byName[t.Name()]
		if !ok {
			policy = models.PolicyAsk
		}
		out = append(out, toolInfo{Name: t.Name(), Description: t.Description(), Policy: policy})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetToolPolicy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.Tools.Get(name); !ok {
		writeError(w, http.StatusNotFound, "unknown tool")
		return
	}
	var body struct {
		Policy models.ToolPolicyDecision `json:"policy"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch body.Policy {
	case models.PolicyDeny, models.PolicyAsk, models.PolicyAllow:
	default:
		writeError(w, http.StatusBadRequest, "policy must be deny, ask, or allow")
		return
	}
	if err := s.Store.UpsertToolPolicy(r.Context(), &models.ToolPolicy{ToolName: name, Policy: body.Policy}); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tool_name": name, "policy": string(body.Policy)})
}
