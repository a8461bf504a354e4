package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/store"
)

// Writer is the only component that appends events. Allocation of the
// (id, seq) pair and persistence happen as one atomic operation inside
// the Store (§4.3, §4.8), so id order equals publish order equals
// persist order even when two different sessions publish concurrently
// (only same-session concurrent turns are forbidden upstream).
type Writer struct {
	store store.Events
	hub   *Hub
}

func NewWriter(st store.Events, hub *Hub) *Writer {
	return &Writer{store: st, hub: hub}
}

// Draft is an unstamped event awaiting (id, seq) allocation.
type Draft struct {
	SessionID string
	TurnID    string
	StepID    string
	Type      models.EventType
	Payload   any
}

// Publish stamps, persists, and fans out one event. It is safe to
// call concurrently for any mix of sessions.
func (w *Writer) Publish(ctx context.Context, d Draft) (*models.Event, error) {
	e, err := w.store.AppendEvent(ctx, store.EventDraft{
		SessionID: d.SessionID,
		TurnID:    d.TurnID,
		StepID:    d.StepID,
		Ts:        float64(time.Now().UnixNano()) / 1e9,
		Type:      d.Type,
		Payload:   d.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}

	w.hub.Publish(e)
	return e, nil
}
