package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentserver/agentserver/internal/eventbus"
)

// handleSSE serves GET /event?session_id=<id>&since=<global_id>,
// grounded in internal/canvas/host.go's LiveReloadHandler: an
// http.Flusher-backed loop that writes one SSE frame per Hub message
// until the client disconnects. Last-Event-ID overrides the since
// query param on reconnect, per §4.2.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionFilter := r.URL.Query().Get("session_id")

	var since int64
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			since = n
		}
	} else if raw := r.URL.Query().Get("since"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			since = n
		}
	}

	sub, err := s.Hub.Subscribe(r.Context(), sessionFilter, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-sub.Frames:
			if !ok {
				return
			}
			if !writeFrame(w, frame) {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, frame eventbus.Frame) bool {
	switch {
	case frame.Event != nil:
		data, err := json.Marshal(frame.Event)
		if err != nil {
			return true
		}
		_, err = w.Write([]byte("id: " + strconv.FormatInt(frame.Event.ID, 10) + "\nevent: event\ndata: " + string(data) + "\n\n"))
		return err == nil
	case frame.Connected != nil:
		data, err := json.Marshal(frame.Connected)
		if err != nil {
			return true
		}
		_, err = w.Write([]byte("event: connected\ndata: " + string(data) + "\n\n"))
		return err == nil
	case frame.Heartbeat:
		_, err := w.Write([]byte("event: heartbeat\ndata: {}\n\n"))
		return err == nil
	default:
		return true
	}
}
