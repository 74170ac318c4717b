package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"roomchat/internal/storage"
)

const defaultMaxUploadSize = 10 * 1024 * 1024

// Server is the room/message gateway. It turns HTTP requests and websocket
// frames into Store and Hub calls and owns no state of its own.
type Server struct {
	store   *storage.Store
	hub     *Hub
	logger  *slog.Logger
	metrics *Metrics

	uploadDir     string
	maxUploadSize int64
	queueSize     int

	postLimiter  *RateLimiter
	frameLimiter *RateLimiter
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithUploads sets where uploaded media is written and the per-file cap.
func WithUploads(dir string, maxSize int64) ServerOption {
	return func(s *Server) {
		s.uploadDir = dir
		if maxSize > 0 {
			s.maxUploadSize = maxSize
		}
	}
}

// WithQueueSize bounds every session's outbound queue.
func WithQueueSize(n int) ServerOption {
	return func(s *Server) { s.queueSize = n }
}

// WithPostLimit throttles HTTP posts per client IP.
func WithPostLimit(rps float64, burst int) ServerOption {
	return func(s *Server) { s.postLimiter = NewRateLimiter(rps, burst) }
}

// WithFrameLimit throttles websocket frames per session.
func WithFrameLimit(rps float64, burst int) ServerOption {
	return func(s *Server) { s.frameLimiter = NewRateLimiter(rps, burst) }
}

func NewServer(store *storage.Store, hub *Hub, opts ...ServerOption) *Server {
	s := &Server{
		store:         store,
		hub:           hub,
		logger:        slog.Default(),
		uploadDir:     DefaultUploadDir,
		maxUploadSize: defaultMaxUploadSize,
		queueSize:     defaultQueueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the fan-out hub the server publishes to.
func (s *Server) Hub() *Hub {
	return s.hub
}

// CreateRoom allocates a new empty room.
func (s *Server) CreateRoom(ctx context.Context) (string, error) {
	roomID, err := s.store.CreateRoom(ctx)
	if err != nil {
		s.logger.Error("room_create_failed", "err", err)
		return "", err
	}
	s.metrics.RoomCreated()
	s.logger.Info("room_created", "room", roomID)
	return roomID, nil
}

// Messages returns the room's full log in append order.
func (s *Server) Messages(ctx context.Context, roomID string) ([]storage.Message, error) {
	return s.store.Messages(ctx, roomID)
}

// RoomExists reports whether the room was ever created.
func (s *Server) RoomExists(ctx context.Context, roomID string) (bool, error) {
	return s.store.RoomExists(ctx, roomID)
}

// PostMessage validates and persists the message, then pushes it to the
// room's subscribers. Only the persistence outcome is reported.
func (s *Server) PostMessage(ctx context.Context, roomID string, req PostRequest) (storage.Message, error) {
	msg := req.toMessage().Normalize()
	if err := msg.Validate(); err != nil {
		return storage.Message{}, err
	}
	stored, err := s.store.AppendMessage(ctx, roomID, msg)
	if err != nil {
		if errors.Is(err, storage.ErrStorage) {
			s.logger.Error("message_append_failed", "room", roomID, "err", err)
		}
		return storage.Message{}, err
	}
	s.metrics.MessageAppended(string(stored.Kind))
	s.logger.Debug("message_appended", "room", roomID, "seq", stored.Seq, "type", stored.Kind)
	s.hub.BroadcastMessage(roomID, stored)
	return stored, nil
}

// Join subscribes the session to the room and sends it the room's log.
// Unknown rooms produce an error event and no subscription.
func (s *Server) Join(ctx context.Context, sessionID, roomID string) error {
	exists, err := s.store.RoomExists(ctx, roomID)
	if err != nil {
		s.sendError(sessionID, roomID, err)
		return err
	}
	if !exists {
		err := fmt.Errorf("%w: %s", storage.ErrNotFound, roomID)
		s.sendError(sessionID, roomID, err)
		return err
	}
	// Subscribe before reading the log: a post racing with the join is then
	// seen live, in history, or both, and clients dedupe by seq.
	if s.hub.Subscribe(sessionID, roomID) {
		s.hub.Send(sessionID, Event{Type: EventJoined, Room: roomID})
	}
	history, err := s.store.Messages(ctx, roomID)
	if err != nil {
		s.sendError(sessionID, roomID, err)
		return err
	}
	s.hub.Send(sessionID, Event{Type: EventHistory, Room: roomID, Messages: history})
	s.logger.Debug("session_joined", "session", sessionID, "room", roomID, "history", len(history))
	return nil
}

// Leave drops the session's subscription to the room.
func (s *Server) Leave(sessionID, roomID string) {
	if !s.hub.Subscribed(sessionID, roomID) {
		return
	}
	s.hub.Unsubscribe(sessionID, roomID)
	s.hub.Send(sessionID, Event{Type: EventLeft, Room: roomID})
}

func (s *Server) sendError(sessionID, roomID string, err error) {
	s.hub.Send(sessionID, Event{Type: EventError, Room: roomID, Error: publicError(err)})
}

// publicError hides backend detail from clients.
func publicError(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return storage.ErrNotFound.Error()
	case errors.Is(err, storage.ErrValidation):
		return err.Error()
	default:
		return storage.ErrStorage.Error()
	}
}
