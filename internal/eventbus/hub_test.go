package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/store/memory"
)

func TestPublishAndSubscribeOrdering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := memory.New()
	hub := NewHub(st, nil)
	writer := NewWriter(st, hub)

	sub, err := hub.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// Drain the Connected frame.
	first := <-sub.Frames
	if first.Connected == nil {
		t.Fatalf("expected connected frame first, got %+v", first)
	}

	for i := 0; i < 5; i++ {
		if _, err := writer.Publish(ctx, Draft{SessionID: "s1", Type: models.EventStatus, Payload: map[string]any{"i": i}}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var lastSeq int64
	for i := 0; i < 5; i++ {
		select {
		case f := <-sub.Frames:
			if f.Event == nil {
				t.Fatalf("expected event frame, got %+v", f)
			}
			if f.Event.Seq != lastSeq+1 {
				t.Fatalf("out of order: got seq %d, want %d", f.Event.Seq, lastSeq+1)
			}
			lastSeq = f.Event.Seq
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestReplayThenLiveNoDuplicatesNoGaps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := memory.New()
	hub := NewHub(st, nil)
	writer := NewWriter(st, hub)

	var ids []int64
	for i := 0; i < 3; i++ {
		e, err := writer.Publish(ctx, Draft{SessionID: "s1", Type: models.EventStatus, Payload: map[string]any{}})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, e.ID)
	}

	// Subscriber reconnects with Last-Event-ID = ids[0].
	sub, err := hub.Subscribe(ctx, "s1", ids[0])
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	<-sub.Frames // connected

	for i := 0; i < 3; i++ {
		e, err := writer.Publish(ctx, Draft{SessionID: "s1", Type: models.EventStatus, Payload: map[string]any{}})
		if err != nil {
			t.Fatalf("publish live: %v", err)
		}
		ids = append(ids, e.ID)
	}

	want := ids[1:] // everything after ids[0]
	var got []int64
	for i := 0; i < len(want); i++ {
		select {
		case f := <-sub.Frames:
			if f.Event == nil {
				continue
			}
			got = append(got, f.Event.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out collecting frame %d", i)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %v vs %v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSlowSubscriberDisconnectedNotBlocking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := memory.New()
	hub := NewHub(st, nil)
	writer := NewWriter(st, hub)

	sub, err := hub.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	<-sub.Frames // connected; never drain again, forcing overflow

	for i := 0; i < QueueBound+10; i++ {
		if _, err := writer.Publish(ctx, Draft{SessionID: "s1", Type: models.EventStatus, Payload: map[string]any{}}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if hub.DroppedCount() == 0 {
		t.Fatalf("expected at least one disconnected subscriber")
	}
}
