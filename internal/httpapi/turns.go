package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentserver/agentserver/internal/models"
)

// buildHistory replays a session's prior turns into the message list
// the runner expects: each turn contributes its user message and,
// once its final assistant text is known from the persisted event
// log, that assistant message too. A turn still in progress or one
// that errored before producing a final event contributes only its
// user message.
func (s *Server) buildHistory(ctx context.Context, sessionID string) ([]models.Message, error) {
	turns, err := s.Store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := s.Store.EventsSinceSeq(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	finalsByTurn := map[string]models.FinalPayload{}
	for _, e := range events {
		if e.Type != models.EventFinal || e.TurnID == "" {
			continue
		}
		if fp, ok := e.Payload.(models.FinalPayload); ok {
			finalsByTurn[e.TurnID] = fp
		}
	}

	history := make([]models.Message, 0, len(turns)*2)
	for _, t := range turns {
		history = append(history, models.Message{Role: "user", Text: t.UserText})
		if fp, ok := finalsByTurn[t.ID]; ok {
			history = append(history, models.Message{Role: "assistant", Text: fp.Text})
		}
	}
	return history, nil
}

// handleCreateTurn starts a new turn asynchronously: it persists the
// Turn immediately and returns its id, then runs the agent loop in
// the background, matching §4.8's "the endpoint returns before the
// model has produced anything; clients follow along over SSE."
func (s *Server) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if _, err := s.Store.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}

	if !s.beginTurn(sessionID) {
		writeError(w, http.StatusConflict, "a turn is already active for this session")
		return
	}

	history, err := s.buildHistory(r.Context(), sessionID)
	if err != nil {
		s.endTurn(sessionID)
		writeStoreError(w, err)
		return
	}

	turn := &models.Turn{ID: uuid.NewString(), SessionID: sessionID, UserText: body.Content, CreatedAt: time.Now()}
	if err := s.Store.CreateTurn(r.Context(), turn); err != nil {
		s.endTurn(sessionID)
		writeStoreError(w, err)
		return
	}
	history = append(history, models.Message{Role: "user", Text: body.Content})

	runCtx, runCancel := context.WithCancel(context.Background())
	s.setTurnCancel(sessionID, runCancel)
	go func() {
		defer runCancel()
		defer s.endTurn(sessionID)
		if err := s.Runner.RunTurn(runCtx, sessionID, turn.ID, history); err != nil {
			s.Logger.Warn("turn ended with error", "session_id", sessionID, "turn_id", turn.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"turn_id": turn.ID})
}

// handleCancelTurn flips the cancel signal for a session's active
// turn, if any. Returns 204 either way: cancelling nothing is not an
// error (§5's "the endpoint is idempotent so a client can call it
// speculatively").
func (s *Server) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	s.cancelActiveTurn(sessionID)
	writeJSON(w, http.StatusNoContent, nil)
}
