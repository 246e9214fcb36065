// Package broadcast fans device change events out to live subscribers.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	EventDeviceEnrolled  = "device.enrolled"
	EventDeviceHeartbeat = "device.heartbeat"
	EventDeviceOnline    = "device.online"
	EventDeviceOffline   = "device.offline"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster publishes events. Emit never blocks and never fails.
type Broadcaster interface {
	Emit(eventType string, data any)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Emit(string, any) {}

// DefaultBuffer is the per-subscriber queue length used by NewHub.
const DefaultBuffer = 64

// Hub delivers each event to every current subscriber. A subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Uint64
	now     func() time.Time
}

// NewHub returns a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		now:    time.Now,
	}
}

// Subscription is one subscriber's view of the hub.
type Subscription struct {
	hub     *Hub
	ch      chan Event
	once    sync.Once
	dropped atomic.Uint64
}

// Subscribe registers a new subscriber. Events emitted before the call are
// not replayed.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{hub: h, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Events returns the channel events arrive on. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes the events channel. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Emit sends the event to every subscriber without waiting.
func (h *Hub) Emit(eventType string, data any) {
	ev := Event{Type: eventType, Data: data, Timestamp: h.now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of current subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the total number of undelivered events across subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Sink forwards events to an external system.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// RunSink subscribes sink to the hub and forwards events until ctx is
// cancelled. Send failures are logged and the event is skipped.
func (h *Hub) RunSink(ctx context.Context, sink Sink) error {
	sub := h.Subscribe()
	defer sub.Close()

	slog.Info("broadcast sink started", "sink", sink.Name())
	for {
		select {
		case <-ctx.Done():
			slog.Info("broadcast sink stopped", "sink", sink.Name(), "dropped", sub.Dropped())
			return ctx.Err()
		case ev := <-sub.Events():
			if err := sink.Send(ctx, ev); err != nil {
				slog.Warn("broadcast sink send failed", "sink", sink.Name(), "type", ev.Type, "error", err)
			}
		}
	}
}
