// Package stream is the in-process transport collaborator: a named-group
// publish/subscribe hub keyed by session id, delivering collaboration events
// to SSE clients.
package stream

import (
	"context"
	"sync"

	"bidroom.org/internal/collab"
	"bidroom.org/internal/obs"
)

const sinkBuffer = 16

// Hub fan-outs session events to all active subscribers. Exactly one sink is
// active per participant per session; a later Subscribe replaces the former,
// which is how reconnection works. Publish holds mu for its full fan-out, so
// every subscriber observes events in Publish-call order.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[string]chan collab.Event
}

// NewHub initialises an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[string]chan collab.Event),
	}
}

// Subscribe registers a delivery sink for the participant and returns a
// channel which will receive events. The previous sink for the same
// participant, if any, is closed. The channel is closed when the provided
// context ends.
func (h *Hub) Subscribe(ctx context.Context, sessionID, participantID string) <-chan collab.Event {
	ch := make(chan collab.Event, sinkBuffer)

	h.mu.Lock()
	sinks, ok := h.sessions[sessionID]
	if !ok {
		sinks = make(map[string]chan collab.Event)
		h.sessions[sessionID] = sinks
	}
	if old, ok := sinks[participantID]; ok {
		close(old)
	}
	sinks[participantID] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(sessionID, participantID, ch)
	}()

	return ch
}

// Unsubscribe removes the participant's sink. Idempotent.
func (h *Hub) Unsubscribe(sessionID, participantID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sinks, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	if ch, ok := sinks[participantID]; ok {
		delete(sinks, participantID)
		close(ch)
	}
	if len(sinks) == 0 {
		delete(h.sessions, sessionID)
	}
}

// Publish fan-outs the event to every subscriber of the session except the
// originating actor, who already knows the outcome of its own action.
// Delivery is best-effort: a full sink is skipped rather than blocking the
// publisher.
func (h *Hub) Publish(sessionID string, ev collab.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for participantID, ch := range h.sessions[sessionID] {
		if participantID == ev.Actor {
			continue
		}
		select {
		case ch <- ev:
		default:
			// Drop when subscriber is slow to avoid blocking.
			obs.EventsDroppedTotal.Inc()
		}
	}
}

// remove drops the sink only if it is still the participant's current one;
// a reconnect may already have replaced (and closed) it.
func (h *Hub) remove(sessionID, participantID string, ch chan collab.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sinks, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	current, ok := sinks[participantID]
	if !ok || current != ch {
		return
	}
	delete(sinks, participantID)
	close(ch)
	if len(sinks) == 0 {
		delete(h.sessions, sessionID)
	}
}
