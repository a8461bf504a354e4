// Package eventbus implements the process-wide event fan-out (Hub)
// and the single-writer critical section that stamps and persists
// every event before it is published (Writer). The two together give
// the durability-before-visibility guarantee described in §4.3: any
// event a client observes live is already replayable.
//
// The bounded-queue-with-overflow-disconnect pattern follows
// internal/agent/event_sink.go's BackpressureSink; the SSE-facing
// registration/fan-out loop follows internal/canvas/host.go's
// LiveReloadHandler.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentserver/agentserver/internal/cron"
	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/store"
)

// QueueBound is the default per-subscriber live-event queue depth
// before the hub disconnects a slow subscriber (§5).
const QueueBound = 256

// HeartbeatInterval is how often idle subscribers receive a
// heartbeat pseudo-event (§4.2: 10-20s).
const HeartbeatInterval = 15 * time.Second

// heartbeatSchedule drives pump's heartbeat cadence through
// internal/cron.Schedule (the same "every" kind internal/permission's
// Sweeper uses), rather than a bare ticker, so both of this system's
// periodic sweeps share one schedule abstraction.
var heartbeatSchedule = mustEvery(HeartbeatInterval)

func mustEvery(d time.Duration) cron.Schedule {
	s, err := cron.Every(d)
	if err != nil {
		panic(err)
	}
	return s
}

// Connected is the pseudo-event sent once per new subscription.
type Connected struct {
	ServerTime float64 `json:"server_time"`
	LatestID   int64   `json:"latest_id"`
}

// Frame is one item delivered to a subscriber: either a persisted
// Event, a Connected notice, or a heartbeat (Event == nil, Connected
// == nil, Heartbeat == true).
type Frame struct {
	Event     *models.Event
	Connected *Connected
	Heartbeat bool
}

type subscriber struct {
	sessionFilter string // "" matches every session
	ch            chan Frame
	closed        chan struct{}
	once          sync.Once
}

func (sub *subscriber) send(f Frame) bool {
	select {
	case sub.ch <- f:
		return true
	default:
		return false
	}
}

func (sub *subscriber) close() {
	sub.once.Do(func() { close(sub.closed) })
}

// Hub is the in-memory fan-out. One process has exactly one Hub,
// constructed at startup and held by the Runtime (§9 "no hidden
// globals").
type Hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	store       store.Events
	logger      *slog.Logger

	dropped uint64
}

func NewHub(st store.Events, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: map[*subscriber]struct{}{},
		store:       st,
		logger:      logger,
	}
}

// Subscription is returned to callers of Subscribe; Frames delivers
// replay then live frames in order, Close unregisters and releases
// resources.
type Subscription struct {
	Frames <-chan Frame
	Close  func()
}

// Subscribe registers a live subscriber and, if sinceID > 0, first
// replays persisted events with id > sinceID (filtered by session)
// before switching to live delivery, per §4.2.
func (h *Hub) Subscribe(ctx context.Context, sessionFilter string, sinceID int64) (*Subscription, error) {
	sub := &subscriber{
		sessionFilter: sessionFilter,
		ch:            make(chan Frame, QueueBound),
		closed:        make(chan struct{}),
	}

	latest, err := h.store.LatestEventID(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	out := make(chan Frame)
	go h.pump(ctx, sub, sessionFilter, sinceID, latest, out)

	closeOnce := sync.OnceFunc(func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
		sub.close()
	})

	return &Subscription{Frames: out, Close: closeOnce}, nil
}

// pump replays history then relays live frames from sub.ch into out,
// preserving id order across the replay/live boundary: subscribers
// register with the hub before the replay query runs, so any event
// published during replay is queued on sub.ch and delivered after,
// never dropped and never duplicated (replay only reads id > sinceID
// and live frames from ch are for events assigned after Subscribe was
// registered — the store's id allocation happening after registration
// might duplicate boundary events by id, so the caller de-dupes on
// id using sinceID as a running high-water mark).
func (h *Hub) pump(ctx context.Context, sub *subscriber, sessionFilter string, sinceID, latest int64, out chan<- Frame) {
	defer close(out)

	select {
	case out <- Frame{Connected: &Connected{ServerTime: float64(time.Now().UnixMilli()) / 1000.0, LatestID: latest}}:
	case <-ctx.Done():
		return
	case <-sub.closed:
		return
	}

	highWater := sinceID
	if sinceID > 0 {
		events, err := h.store.EventsSince(ctx, sessionFilter, sinceID)
		if err != nil {
			h.logger.Error("event replay failed", "error", err, "session_id", sessionFilter)
		} else {
			for _, e := range events {
				select {
				case out <- Frame{Event: e}:
					highWater = e.ID
				case <-ctx.Done():
					return
				case <-sub.closed:
					return
				}
			}
		}
	}

	nextBeat, _, _ := heartbeatSchedule.Next(time.Now())
	heartbeat := time.NewTimer(time.Until(nextBeat))
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.closed:
			return
		case <-heartbeat.C:
			select {
			case out <- Frame{Heartbeat: true}:
			case <-ctx.Done():
				return
			}
			nextBeat, _, _ = heartbeatSchedule.Next(time.Now())
			heartbeat.Reset(time.Until(nextBeat))
		case f, ok := <-sub.ch:
			if !ok {
				return
			}
			if f.Event != nil && f.Event.ID <= highWater {
				continue // already delivered via replay
			}
			select {
			case out <- f:
				if f.Event != nil {
					highWater = f.Event.ID
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Publish delivers an already-persisted, id-stamped event to every
// live subscriber whose session filter matches. Only the Writer calls
// this. A slow subscriber whose queue is full is disconnected rather
// than allowed to block the publisher or other subscribers (§5).
func (h *Hub) Publish(e *models.Event) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		if sub.sessionFilter == "" || sub.sessionFilter == e.SessionID {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if !sub.send(Frame{Event: e}) {
			h.dropped++
			h.logger.Warn("subscriber queue overflow, disconnecting", "session_id", e.SessionID)
			h.mu.Lock()
			delete(h.subscribers, sub)
			h.mu.Unlock()
			sub.close()
		}
	}
}

// DroppedCount reports how many subscribers have been disconnected
// for overflow since startup, exposed as a metric.
func (h *Hub) DroppedCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// SubscriberCount reports the live subscriber count, exposed as a metric.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
