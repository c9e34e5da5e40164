package broadcast

import (
	"log"
	"sync"
	"time"

	"github.com/meridianweb/meridian.site/internal/platform/id"
)

// Peer is the write side of one connected session.
type Peer interface {
	WriteEvent(event Event) error
}

// Session is one registered subscriber. The hub is its sole mutator.
type Session struct {
	id       string
	peer     Peer
	channels map[string]struct{}
	lastSeen time.Time
}

// ID returns the connection id assigned by the hub.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Observer receives lifecycle callbacks for metrics. All fields are optional.
type Observer struct {
	Connected      func(total int)
	Disconnected   func(total int)
	Published      func(channel string, kind Kind)
	DeliveryFailed func(sessionID string)
}

// Hub is the process-wide fan-out point for change events.
//
// One mutex guards the session registry and delivery, so events published on
// a single hub reach every still-connected session in publish order. Delivery
// is best-effort and at-most-once per session; there is no replay buffer.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
	nextSeq  uint64
	observer Observer
	now      func() time.Time
}

// NewHub creates an empty hub.
func NewHub(observer Observer) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		observer: observer,
		now:      time.Now,
	}
}

// Connect registers a new session around the given peer and returns its handle.
func (h *Hub) Connect(peer Peer) *Session {
	if h == nil || peer == nil {
		return nil
	}

	session := &Session{
		id:       id.MustNewID(),
		peer:     peer,
		channels: make(map[string]struct{}),
	}

	h.mu.Lock()
	session.lastSeen = h.now()
	h.sessions[session.id] = session
	total := len(h.sessions)
	h.mu.Unlock()

	if h.observer.Connected != nil {
		h.observer.Connected(total)
	}
	return session
}

// Subscribe adds channel interest for a session. Unknown or already
// disconnected sessions are ignored.
func (h *Hub) Subscribe(session *Session, channel string) {
	if h == nil || session == nil || channel == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	registered, ok := h.sessions[session.id]
	if !ok {
		return
	}
	registered.channels[channel] = struct{}{}
	registered.lastSeen = h.now()
}

// Disconnect removes a session and releases its registration. Disconnecting
// an unknown or already removed session is a no-op.
func (h *Hub) Disconnect(session *Session) {
	if h == nil || session == nil {
		return
	}

	h.mu.Lock()
	_, ok := h.sessions[session.id]
	if ok {
		delete(h.sessions, session.id)
	}
	total := len(h.sessions)
	h.mu.Unlock()

	if ok && h.observer.Disconnected != nil {
		h.observer.Disconnected(total)
	}
}

// Publish stamps the event with the next sequence number and delivers it to
// every session subscribed to its channel.
//
// A failed write never reaches the publisher and never blocks delivery to
// other sessions: the broken session is dropped from the registry as an
// implicit disconnect. The stamped event is returned for callers that serve
// snapshots.
func (h *Hub) Publish(event Event) Event {
	if h == nil {
		return event
	}

	h.mu.Lock()
	h.nextSeq++
	event.Seq = h.nextSeq

	var dropped []string
	for sessionID, session := range h.sessions {
		if _, subscribed := session.channels[event.Channel]; !subscribed {
			continue
		}
		if err := session.peer.WriteEvent(event); err != nil {
			log.Printf("live: drop session %s after delivery failure on %s: %v", sessionID, event.Channel, err)
			dropped = append(dropped, sessionID)
			continue
		}
		session.lastSeen = h.now()
	}
	for _, sessionID := range dropped {
		delete(h.sessions, sessionID)
	}
	total := len(h.sessions)
	h.mu.Unlock()

	if h.observer.Published != nil {
		h.observer.Published(event.Channel, event.Kind)
	}
	for _, sessionID := range dropped {
		if h.observer.DeliveryFailed != nil {
			h.observer.DeliveryFailed(sessionID)
		}
		if h.observer.Disconnected != nil {
			h.observer.Disconnected(total)
		}
	}
	return event
}

// CurrentSeq returns the sequence number of the most recently published event.
func (h *Hub) CurrentSeq() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll removes every session. Used on process teardown.
func (h *Hub) CloseAll() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()
}
