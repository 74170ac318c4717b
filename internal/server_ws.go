package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const frameTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var errRateLimited = errors.New("you're sending messages too quickly, wait a moment and try again")

// ServeWS upgrades the request and runs a session until the peer goes away.
// A "room" query parameter joins that room right after connecting.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	session := newSession(uuid.NewString(), s.queueSize)
	session.conn = conn
	session.remoteAddr = clientIP(r)
	if !s.hub.Register(session) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}
	s.logger.Debug("session_connected", "session", session.ID, "remote", session.remoteAddr)

	go session.writePump()
	if room := strings.TrimSpace(r.URL.Query().Get("room")); room != "" {
		_ = s.Join(r.Context(), session.ID, room)
	}
	s.readPump(session)
}

// readPump dispatches client frames until the connection fails, then tears
// the session down.
func (s *Server) readPump(session *Session) {
	defer func() {
		s.hub.Disconnect(session.ID)
		s.frameLimiter.Forget(session.ID)
		_ = session.conn.Close()
	}()
	session.conn.SetReadLimit(maxMsgSize)
	_ = session.conn.SetReadDeadline(time.Now().Add(pongWait))
	session.conn.SetPongHandler(func(string) error {
		return session.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ws_read_failed", "session", session.ID, "err", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.hub.Send(session.ID, Event{Type: EventError, Error: "malformed frame"})
			continue
		}
		s.handleFrame(session, frame)
	}
}

func (s *Server) handleFrame(session *Session, frame Frame) {
	room := strings.TrimSpace(frame.Room)
	if room == "" {
		s.hub.Send(session.ID, Event{Type: EventError, Error: "room is required"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	switch frame.Type {
	case FrameJoinRoom:
		_ = s.Join(ctx, session.ID, room)
	case FrameLeaveRoom:
		s.Leave(session.ID, room)
	case FrameTyping:
		if !s.frameLimiter.Allow(session.ID) {
			return
		}
		s.hub.BroadcastTyping(room, session.ID, strings.TrimSpace(frame.Username))
	case FrameStopTyping:
		s.hub.BroadcastStopTyping(room, session.ID, strings.TrimSpace(frame.Username))
	case FrameSendMessage:
		if !s.frameLimiter.Allow(session.ID) {
			s.metrics.RateLimited("ws")
			s.hub.Send(session.ID, Event{Type: EventError, Room: room, Error: errRateLimited.Error()})
			return
		}
		if frame.Message == nil {
			s.hub.Send(session.ID, Event{Type: EventError, Room: room, Error: "message is required"})
			return
		}
		if _, err := s.PostMessage(ctx, room, *frame.Message); err != nil {
			s.sendError(session.ID, room, err)
		}
	default:
		s.hub.Send(session.ID, Event{Type: EventError, Room: room, Error: "unknown frame type " + frame.Type})
	}
}
