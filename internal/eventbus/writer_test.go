package eventbus

import (
	"context"
	"sync"
	"testing"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/store/memory"
)

// TestConcurrentPublishAcrossSessionsKeepsGlobalIDsUnique publishes
// from many goroutines against different sessions at once — allowed
// concurrency per §4.3, unlike same-session concurrent turns — and
// checks the global id assigned to each event is unique and that no
// two events on the same session share a seq.
func TestConcurrentPublishAcrossSessionsKeepsGlobalIDsUnique(t *testing.T) {
	st := memory.New()
	hub := NewHub(st, nil)
	writer := NewWriter(st, hub)

	const sessions = 8
	const perSession = 20

	var wg sync.WaitGroup
	ids := make(chan int64, sessions*perSession)

	for s := 0; s < sessions; s++ {
		sessionID := string(rune('a' + s))
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			for i := 0; i < perSession; i++ {
				e, err := writer.Publish(context.Background(), Draft{SessionID: sessionID, Type: models.EventStatus, Payload: map[string]any{"i": i}})
				if err != nil {
					t.Errorf("publish: %v", err)
					return
				}
				ids <- e.ID
			}
		}(sessionID)
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate global id %d assigned across concurrent sessions", id)
		}
		seen[id] = true
	}
	if len(seen) != sessions*perSession {
		t.Fatalf("got %d unique ids, want %d", len(seen), sessions*perSession)
	}

	for s := 0; s < sessions; s++ {
		sessionID := string(rune('a' + s))
		events, err := st.EventsSinceSeq(context.Background(), sessionID, 0)
		if err != nil {
			t.Fatalf("events since seq: %v", err)
		}
		if len(events) != perSession {
			t.Fatalf("session %s: got %d events, want %d", sessionID, len(events), perSession)
		}
		for i, e := range events {
			if e.Seq != int64(i+1) {
				t.Fatalf("session %s event[%d].Seq = %d, want %d", sessionID, i, e.Seq, i+1)
			}
		}
	}
}
