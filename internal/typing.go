package internal

import (
	"sort"
	"time"

	"roomchat/internal/storage"
)

// typingEntry records which session announced a display name as typing.
// timer is nil when expiry is disabled.
type typingEntry struct {
	sessionID string
	timer     *time.Timer
}

// clearTyping removes every typing entry owned by sessionID and returns the
// affected display names. Must be called with mu held.
func (room *roomGroup) clearTyping(sessionID string) []string {
	var names []string
	for name, entry := range room.typing {
		if entry.sessionID != sessionID {
			continue
		}
		entry.stop()
		delete(room.typing, name)
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (room *roomGroup) typingNames() []string {
	names := make([]string, 0, len(room.typing))
	for name := range room.typing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (entry *typingEntry) stop() {
	if entry.timer != nil {
		entry.timer.Stop()
	}
}

// BroadcastTyping marks username as typing in the room and tells the other
// subscribers. Repeated calls only refresh the expiry. The session must be
// subscribed to the room. It reports whether the typing state changed.
func (hub *Hub) BroadcastTyping(roomID, sessionID, username string) bool {
	if username == "" {
		username = storage.DefaultUsername
	}
	var changed bool
	hub.withRoom(roomID, false, func(room *roomGroup) {
		if _, member := room.members[sessionID]; !member {
			return
		}
		entry, exists := room.typing[username]
		if exists && entry.sessionID == sessionID {
			hub.armTypingTimer(room, username, entry)
			return
		}
		if exists {
			entry.stop()
		}
		entry = &typingEntry{sessionID: sessionID}
		room.typing[username] = entry
		hub.armTypingTimer(room, username, entry)
		hub.emitLocked(room, Event{Type: EventTyping, Room: roomID, Username: username}, sessionID)
		changed = true
	})
	return changed
}

// BroadcastStopTyping clears typing state set by the session and tells the
// other subscribers. An empty username clears every name the session owns in
// the room. It reports whether anything was cleared.
func (hub *Hub) BroadcastStopTyping(roomID, sessionID, username string) bool {
	var cleared []string
	hub.withRoom(roomID, false, func(room *roomGroup) {
		if username == "" {
			cleared = room.clearTyping(sessionID)
		} else if entry, exists := room.typing[username]; exists && entry.sessionID == sessionID {
			entry.stop()
			delete(room.typing, username)
			cleared = []string{username}
		}
		for _, name := range cleared {
			hub.emitLocked(room, Event{Type: EventStopTyping, Room: roomID, Username: name}, sessionID)
		}
	})
	return len(cleared) > 0
}

// Typing returns the display names currently typing in the room.
func (hub *Hub) Typing(roomID string) []string {
	names := []string{}
	hub.withRoom(roomID, false, func(room *roomGroup) {
		names = room.typingNames()
	})
	return names
}

// armTypingTimer (re)starts the expiry for entry. Must be called with
// room.mu held.
func (hub *Hub) armTypingTimer(room *roomGroup, username string, entry *typingEntry) {
	if hub.typingTimeout <= 0 {
		return
	}
	entry.stop()
	entry.timer = time.AfterFunc(hub.typingTimeout, func() {
		hub.expireTyping(room.id, username, entry)
	})
}

func (hub *Hub) expireTyping(roomID, username string, entry *typingEntry) {
	hub.withRoom(roomID, false, func(room *roomGroup) {
		if current, ok := room.typing[username]; !ok || current != entry {
			return
		}
		delete(room.typing, username)
		hub.emitLocked(room, Event{Type: EventStopTyping, Room: roomID, Username: username}, entry.sessionID)
		hub.logger.Debug("typing_expired", "room", roomID, "username", username)
	})
}
