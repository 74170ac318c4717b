package internal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192

	defaultQueueSize = 64
)

// Session is one client's live websocket channel. Outbound events go through
// a bounded queue so a slow reader never stalls fan-out to everyone else.
type Session struct {
	ID         string
	remoteAddr string
	conn       *websocket.Conn

	outbox chan []byte

	mu      sync.Mutex
	rooms   map[string]struct{}
	closed  bool
	dropped uint64
}

func newSession(id string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Session{
		ID:     id,
		outbox: make(chan []byte, queueSize),
		rooms:  make(map[string]struct{}),
	}
}

// enqueue never blocks. When the queue is full the oldest pending event is
// discarded to make room. It reports whether payload was queued and whether
// an older event was dropped for it.
func (s *Session) enqueue(payload []byte) (queued bool, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.outbox <- payload:
		return true, false
	default:
	}
	select {
	case <-s.outbox:
		dropped = true
		s.dropped++
	default:
	}
	select {
	case s.outbox <- payload:
		return true, dropped
	default:
		s.dropped++
		return false, true
	}
}

// Dropped returns how many events were discarded for this session.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Rooms returns a snapshot of the rooms the session is subscribed to.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (s *Session) addRoom(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// close stops accepting events and closes the queue so writePump exits.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbox)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// writePump drains the queue to the socket and keeps the peer alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
