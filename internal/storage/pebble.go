package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// pebbleBackend keeps the room log in an ordered key space:
//
//	room/<roomID>               -> {"createdAt": ...}
//	msg/<roomID>/<seq:020d>     -> Message JSON
//
// Zero-padded sequence numbers make byte order equal append order.
//
// pebble panics on use after Close, so every operation holds mu for reading
// and reports pebble.ErrClosed once close has run.
type pebbleBackend struct {
	db     *pebble.DB
	roomMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

type pebbleRoom struct {
	CreatedAt time.Time `json:"createdAt"`
}

type pebbleMessage struct {
	Seq       int64     `json:"seq"`
	Username  string    `json:"username"`
	Kind      Kind      `json:"kind"`
	Body      string    `json:"body,omitempty"`
	FileURL   string    `json:"fileUrl,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// NewPebbleStore opens (or creates) a Pebble database in dir. A nil fs uses
// the operating system filesystem; tests pass vfs.NewMem().
func NewPebbleStore(dir string, fs vfs.FS, opts ...Option) (*Store, error) {
	b, err := openPebble(dir, fs)
	if err != nil {
		return nil, storageErr("open", err)
	}
	return newStore(b, opts...), nil
}

func openPebble(dir string, fs vfs.FS) (*pebbleBackend, error) {
	if dir == "" {
		dir = "roomchat.pebble"
	}
	options := &pebble.Options{}
	if fs != nil {
		options.FS = fs
	}
	db, err := pebble.Open(dir, options)
	if err != nil {
		return nil, err
	}
	return &pebbleBackend{db: db}, nil
}

func roomKey(id string) []byte {
	return []byte("room/" + id)
}

func messagePrefix(roomID string) []byte {
	return []byte("msg/" + roomID + "/")
}

func messageKey(roomID string, seq int64) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d", roomID, seq))
}

// prefixUpperBound returns the smallest key greater than every key that
// starts with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// acquire pins the database open until release is called.
func (b *pebbleBackend) acquire() (release func(), err error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, pebble.ErrClosed
	}
	return b.mu.RUnlock, nil
}

func (b *pebbleBackend) insertRoom(ctx context.Context, id string, createdAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release, err := b.acquire()
	if err != nil {
		return err
	}
	defer release()
	b.roomMu.Lock()
	defer b.roomMu.Unlock()

	exists, err := b.hasRoom(id)
	if err != nil {
		return err
	}
	if exists {
		return errRoomExists
	}
	data, err := json.Marshal(pebbleRoom{CreatedAt: createdAt})
	if err != nil {
		return err
	}
	return b.db.Set(roomKey(id), data, pebble.Sync)
}

func (b *pebbleBackend) roomExists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	release, err := b.acquire()
	if err != nil {
		return false, err
	}
	defer release()
	return b.hasRoom(id)
}

func (b *pebbleBackend) hasRoom(id string) (bool, error) {
	_, closer, err := b.db.Get(roomKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

func (b *pebbleBackend) tail(ctx context.Context, roomID string) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}
	release, err := b.acquire()
	if err != nil {
		return Message{}, false, err
	}
	defer release()
	prefix := messagePrefix(roomID)
	iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return Message{}, false, err
	}
	defer iter.Close()
	if !iter.Last() {
		return Message{}, false, iter.Error()
	}
	msg, err := decodePebbleMessage(roomID, iter.Value())
	if err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}

func (b *pebbleBackend) insertMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(pebbleMessage{
		Seq:       msg.Seq,
		Username:  msg.Username,
		Kind:      msg.Kind,
		Body:      msg.Body,
		FileURL:   msg.FileURL,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return err
	}
	release, err := b.acquire()
	if err != nil {
		return err
	}
	defer release()
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(messageKey(msg.RoomID, msg.Seq), data, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (b *pebbleBackend) listMessages(ctx context.Context, roomID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	release, err := b.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	prefix := messagePrefix(roomID)
	iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var msgs []Message
	for iter.First(); iter.Valid(); iter.Next() {
		msg, err := decodePebbleMessage(roomID, iter.Value())
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (b *pebbleBackend) close() error {
	if b == nil || b.db == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func decodePebbleMessage(roomID string, value []byte) (Message, error) {
	var stored pebbleMessage
	if err := json.Unmarshal(value, &stored); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return Message{
		RoomID:    roomID,
		Seq:       stored.Seq,
		Username:  stored.Username,
		Kind:      stored.Kind,
		Body:      stored.Body,
		FileURL:   stored.FileURL,
		Timestamp: stored.Timestamp.UTC(),
	}, nil
}
