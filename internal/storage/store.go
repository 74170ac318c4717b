package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"

	createRoomAttempts = 3
)

var errRoomExists = errors.New("room id already taken")

// backend is the raw persistence layer. It does no validation and no locking;
// Store serializes appends per room before calling it.
type backend interface {
	insertRoom(ctx context.Context, id string, createdAt time.Time) error
	roomExists(ctx context.Context, id string) (bool, error)
	// tail returns the last message of the room log, ok is false for an
	// empty log.
	tail(ctx context.Context, roomID string) (last Message, ok bool, err error)
	insertMessage(ctx context.Context, msg Message) error
	listMessages(ctx context.Context, roomID string) ([]Message, error)
	close() error
}

// Config selects and locates the durable backend.
type Config struct {
	Driver string
	Path   string
}

// Store owns rooms and their message logs.
type Store struct {
	backend backend
	locks   roomLocks
	known   sync.Map // room id -> struct{}; rooms are never deleted
	now     func() time.Time
	newID   func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the room identifier generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// Open creates the configured backend, runs its migrations and returns a
// ready Store. Call Close when done.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	var (
		b   backend
		err error
	)
	switch cfg.Driver {
	case "", DriverSQLite:
		b, err = openSQLite(ctx, cfg.Path)
	case DriverPebble:
		b, err = openPebble(cfg.Path, nil)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, storageErr("open", err)
	}
	return newStore(b, opts...), nil
}

func newStore(b backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		locks:   roomLocks{locks: make(map[string]*sync.Mutex)},
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the underlying backend.
func (s *Store) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.close()
}

// CreateRoom allocates a fresh identifier and persists an empty room for it.
func (s *Store) CreateRoom(ctx context.Context) (string, error) {
	for attempt := 0; attempt < createRoomAttempts; attempt++ {
		id := s.newID()
		err := s.backend.insertRoom(ctx, id, s.now().UTC())
		if errors.Is(err, errRoomExists) {
			continue
		}
		if err != nil {
			return "", storageErr("create room", err)
		}
		s.known.Store(id, struct{}{})
		return id, nil
	}
	return "", storageErr("create room", errRoomExists)
}

// RoomExists reports whether the room was ever created.
func (s *Store) RoomExists(ctx context.Context, roomID string) (bool, error) {
	if roomID == "" {
		return false, nil
	}
	if _, ok := s.known.Load(roomID); ok {
		return true, nil
	}
	exists, err := s.backend.roomExists(ctx, roomID)
	if err != nil {
		return false, storageErr("room lookup", err)
	}
	if exists {
		s.known.Store(roomID, struct{}{})
	}
	return exists, nil
}

// Messages returns the full log of a room in append order.
func (s *Store) Messages(ctx context.Context, roomID string) ([]Message, error) {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return nil, err
	}
	msgs, err := s.backend.listMessages(ctx, roomID)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// AppendMessage validates msg, stamps it with the next sequence number and a
// server timestamp, and appends it to the room log. Appends to one room are
// serialized; appends to different rooms run in parallel.
func (s *Store) AppendMessage(ctx context.Context, roomID string, msg Message) (Message, error) {
	msg = msg.Normalize()
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := s.requireRoom(ctx, roomID); err != nil {
		return Message{}, err
	}

	unlock := s.locks.lock(roomID)
	defer unlock()

	last, ok, err := s.backend.tail(ctx, roomID)
	if err != nil {
		return Message{}, storageErr("read log tail", err)
	}
	msg.RoomID = roomID
	msg.Seq = 1
	msg.Timestamp = s.now().UTC()
	if ok {
		msg.Seq = last.Seq + 1
		if msg.Timestamp.Before(last.Timestamp) {
			msg.Timestamp = last.Timestamp
		}
	}
	if err := s.backend.insertMessage(ctx, msg); err != nil {
		return Message{}, storageErr("append message", err)
	}
	return msg, nil
}

func (s *Store) requireRoom(ctx context.Context, roomID string) error {
	exists, err := s.RoomExists(ctx, roomID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	return nil
}

// roomLocks hands out one mutex per room id.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *roomLocks) lock(roomID string) func() {
	l.mu.Lock()
	m, ok := l.locks[roomID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[roomID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
