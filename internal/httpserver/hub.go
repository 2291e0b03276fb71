package httpserver

import (
	"sync"

	"github.com/benchpulse/benchpulse/internal/session"
	"github.com/benchpulse/benchpulse/internal/telemetry"
)

// EventKind discriminates hub event payloads.
type EventKind int

const (
	EventSample EventKind = iota
	EventPhase
)

// Event is one item of the live stream: either a merged sample or a
// phase transition.
type Event struct {
	Kind   EventKind
	Sample telemetry.Sample
	From   session.Phase
	To     session.Phase
}

// Hub caches the latest merged sample and fan-outs live events to
// WebSocket subscribers. It is the orchestrator's live sink.
type Hub struct {
	mu          sync.RWMutex
	latest      telemetry.Sample
	hasSample   bool
	phase       session.Phase
	subscribers map[*hubSubscriber]struct{}
}

// NewHub returns an empty hub in the Off phase.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*hubSubscriber]struct{}),
	}
}

// PublishSample caches the sample and broadcasts it to subscribers.
func (h *Hub) PublishSample(sample telemetry.Sample) {
	h.mu.Lock()
	h.latest = sample
	h.hasSample = true
	targets := h.snapshotSubscribers()
	h.mu.Unlock()

	event := Event{Kind: EventSample, Sample: sample}
	for _, sub := range targets {
		sub.send(event)
	}
}

// PublishPhaseChange records the new phase and broadcasts the
// transition to subscribers.
func (h *Hub) PublishPhaseChange(from, to session.Phase) {
	h.mu.Lock()
	h.phase = to
	targets := h.snapshotSubscribers()
	h.mu.Unlock()

	event := Event{Kind: EventPhase, From: from, To: to}
	for _, sub := range targets {
		sub.send(event)
	}
}

// Latest returns the most recently published sample.
func (h *Hub) Latest() (telemetry.Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.hasSample
}

// Phase returns the phase from the latest transition.
func (h *Hub) Phase() session.Phase {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.phase
}

// Ready reports whether at least one sample has been published.
func (h *Hub) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hasSample
}

// Subscribe registers a listener for live events. The returned cancel
// function closes the channel and must be called exactly once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	sub := newHubSubscriber()

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	if h.hasSample {
		sub.send(Event{Kind: EventSample, Sample: h.latest})
	}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
		sub.close()
	}
	return sub.channel(), unsubscribe
}

// SubscriberCount returns the number of live listeners.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) snapshotSubscribers() []*hubSubscriber {
	targets := make([]*hubSubscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		targets = append(targets, sub)
	}
	return targets
}

// hubSubscriber buffers a short event window per client. A slow client
// loses the oldest sample rather than stalling the broadcast; phase
// events share the same queue, which is deep enough that transitions
// arriving once per run never fall off.
type hubSubscriber struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

const hubSubscriberBuffer = 8

func newHubSubscriber() *hubSubscriber {
	return &hubSubscriber{
		ch: make(chan Event, hubSubscriberBuffer),
	}
}

func (s *hubSubscriber) channel() <-chan Event {
	return s.ch
}

func (s *hubSubscriber) send(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
		// Drop oldest to make room for the new event.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- event:
		default:
		}
	}
}

func (s *hubSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
