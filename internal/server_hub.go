package internal

import (
	"log/slog"
	"sync"
	"time"

	"roomchat/internal/storage"
)

// DefaultTypingTimeout clears a typing indicator whose owner went quiet
// without sending stopTyping.
const DefaultTypingTimeout = 6 * time.Second

// Hub tracks connected sessions and per-room delivery groups and fans events
// out to them. Create one per process with NewHub and Close it at shutdown.
//
// The hub-wide lock only guards the two lookup maps. Membership, typing state
// and delivery for a room happen under that room's own lock, so rooms never
// contend with each other.
type Hub struct {
	mutex    sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]*roomGroup
	closed   bool

	typingTimeout time.Duration
	logger        *slog.Logger
	metrics       *Metrics
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithTypingTimeout sets how long a typing indicator lives without a refresh.
// Zero disables expiry.
func WithTypingTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.typingTimeout = d }
}

// WithHubLogger sets the logger for delivery diagnostics.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// WithHubMetrics records fan-out counters.
func WithHubMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub builds an empty hub ready to accept sessions.
func NewHub(opts ...HubOption) *Hub {
	hub := &Hub{
		sessions:      make(map[string]*Session),
		rooms:         make(map[string]*roomGroup),
		typingTimeout: DefaultTypingTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(hub)
	}
	return hub
}

// Register adds a connected session. It returns false once the hub is closed.
func (hub *Hub) Register(session *Session) bool {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.closed {
		session.close()
		return false
	}
	hub.sessions[session.ID] = session
	hub.metrics.SessionOpened()
	return true
}

// Disconnect removes the session from every room it joined, clears its typing
// entries (telling the rest of each room) and closes its queue.
func (hub *Hub) Disconnect(sessionID string) {
	hub.mutex.Lock()
	session, ok := hub.sessions[sessionID]
	if ok {
		delete(hub.sessions, sessionID)
	}
	hub.mutex.Unlock()
	if !ok {
		return
	}
	for _, roomID := range session.Rooms() {
		hub.leave(session, roomID)
	}
	session.close()
	hub.metrics.SessionClosed()
	hub.logger.Debug("session_disconnected", "session", sessionID, "dropped", session.Dropped())
}

// Subscribe adds the session to the room's delivery group. It is idempotent
// and reports whether the session was newly added.
func (hub *Hub) Subscribe(sessionID, roomID string) bool {
	session := hub.session(sessionID)
	if session == nil || roomID == "" {
		return false
	}
	var added bool
	hub.withRoom(roomID, true, func(room *roomGroup) {
		if _, exists := room.members[sessionID]; exists {
			return
		}
		room.members[sessionID] = session
		session.addRoom(roomID)
		added = true
	})
	if added {
		hub.logger.Debug("session_subscribed", "session", sessionID, "room", roomID)
	}
	return added
}

// Unsubscribe removes the session from the room. Typing entries it owned in
// that room are cleared. Unknown sessions and rooms are ignored.
func (hub *Hub) Unsubscribe(sessionID, roomID string) {
	session := hub.session(sessionID)
	if session == nil {
		return
	}
	hub.leave(session, roomID)
}

func (hub *Hub) leave(session *Session, roomID string) {
	var empty bool
	hub.withRoom(roomID, false, func(room *roomGroup) {
		if _, exists := room.members[session.ID]; !exists {
			return
		}
		delete(room.members, session.ID)
		for _, name := range room.clearTyping(session.ID) {
			hub.emitLocked(room, Event{Type: EventStopTyping, Room: room.id, Username: name}, session.ID)
		}
		empty = len(room.members) == 0
	})
	session.removeRoom(roomID)
	if empty {
		hub.pruneRoom(roomID)
	}
}

// Subscribed reports whether the session is in the room's delivery group.
func (hub *Hub) Subscribed(sessionID, roomID string) bool {
	var member bool
	hub.withRoom(roomID, false, func(room *roomGroup) {
		_, member = room.members[sessionID]
	})
	return member
}

// BroadcastMessage pushes a newMessage event to every subscriber of the room,
// the poster included. Delivery is best effort and never blocks.
func (hub *Hub) BroadcastMessage(roomID string, msg storage.Message) {
	event := Event{Type: EventNewMessage, Room: roomID, Message: &msg}
	hub.withRoom(roomID, false, func(room *roomGroup) {
		hub.emitLocked(room, event, "")
	})
}

// Send queues an event for a single session.
func (hub *Hub) Send(sessionID string, event Event) bool {
	session := hub.session(sessionID)
	if session == nil {
		return false
	}
	payload, err := encodeEvent(event)
	if err != nil {
		hub.logger.Warn("event_encode_failed", "type", event.Type, "err", err)
		return false
	}
	queued, dropped := session.enqueue(payload)
	if dropped {
		hub.metrics.EventsDropped(1)
	}
	if queued {
		hub.metrics.EventsDelivered(event.Type, 1)
	}
	return queued
}

// SessionCount returns the number of registered sessions.
func (hub *Hub) SessionCount() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.sessions)
}

// RoomSize returns the number of sessions subscribed to the room.
func (hub *Hub) RoomSize(roomID string) int {
	var size int
	hub.withRoom(roomID, false, func(room *roomGroup) {
		size = len(room.members)
	})
	return size
}

// Close disconnects every session and stops typing timers. Later Register
// calls are refused.
func (hub *Hub) Close() {
	hub.mutex.Lock()
	if hub.closed {
		hub.mutex.Unlock()
		return
	}
	hub.closed = true
	sessions := hub.sessions
	rooms := hub.rooms
	hub.sessions = make(map[string]*Session)
	hub.rooms = make(map[string]*roomGroup)
	hub.mutex.Unlock()

	for _, room := range rooms {
		room.mu.Lock()
		for name, entry := range room.typing {
			entry.stop()
			delete(room.typing, name)
		}
		room.dead = true
		room.mu.Unlock()
	}
	for _, session := range sessions {
		session.close()
		hub.metrics.SessionClosed()
	}
	hub.logger.Info("hub_closed", "sessions", len(sessions), "rooms", len(rooms))
}

func (hub *Hub) session(sessionID string) *Session {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return hub.sessions[sessionID]
}

// withRoom runs fn inside the room's critical section. With create set, a
// missing group is created; otherwise fn is skipped for unknown rooms.
func (hub *Hub) withRoom(roomID string, create bool, fn func(room *roomGroup)) {
	for {
		room := hub.lookupRoom(roomID, create)
		if room == nil {
			return
		}
		room.mu.Lock()
		if room.dead {
			room.mu.Unlock()
			if hub.isClosed() {
				return
			}
			continue
		}
		fn(room)
		room.mu.Unlock()
		return
	}
}

func (hub *Hub) lookupRoom(roomID string, create bool) *roomGroup {
	hub.mutex.RLock()
	room, ok := hub.rooms[roomID]
	closed := hub.closed
	hub.mutex.RUnlock()
	if ok || !create || closed {
		return room
	}

	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.closed {
		return nil
	}
	if room, ok = hub.rooms[roomID]; ok {
		return room
	}
	room = newRoomGroup(roomID)
	hub.rooms[roomID] = room
	return room
}

// pruneRoom drops an empty delivery group.
func (hub *Hub) pruneRoom(roomID string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room, ok := hub.rooms[roomID]
	if !ok {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.members) == 0 && len(room.typing) == 0 {
		room.dead = true
		delete(hub.rooms, roomID)
	}
}

func (hub *Hub) isClosed() bool {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return hub.closed
}

// emitLocked encodes the event once and queues it for the room's members.
// Must be called with room.mu held.
func (hub *Hub) emitLocked(room *roomGroup, event Event, exclude string) {
	payload, err := encodeEvent(event)
	if err != nil {
		hub.logger.Warn("event_encode_failed", "type", event.Type, "room", room.id, "err", err)
		return
	}
	delivered, dropped := room.fanout(payload, exclude)
	hub.metrics.EventsDelivered(event.Type, delivered)
	if dropped > 0 {
		hub.metrics.EventsDropped(dropped)
		hub.logger.Debug("fanout_dropped", "type", event.Type, "room", room.id, "dropped", dropped)
	}
}
