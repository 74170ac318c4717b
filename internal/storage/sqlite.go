package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// sqliteBackend keeps rooms and messages in a single SQLite file.
type sqliteBackend struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at path and migrates it.
func NewSQLiteStore(ctx context.Context, path string, opts ...Option) (*Store, error) {
	b, err := openSQLite(ctx, path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	return newStore(b, opts...), nil
}

func openSQLite(ctx context.Context, path string) (*sqliteBackend, error) {
	if path == "" {
		path = "roomchat.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	// One writer connection; per-room ordering is enforced above this layer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	b := &sqliteBackend{db: db}
	if err := b.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON&_pragma=journal_mode=WAL", path, separator, defaultBusyTimeout)
}

func (b *sqliteBackend) migrate(ctx context.Context) (err error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			room_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			username TEXT NOT NULL,
			kind TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			file_url TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, seq),
			FOREIGN KEY(room_id) REFERENCES rooms(id)
		);`,
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *sqliteBackend) insertRoom(ctx context.Context, id string, createdAt time.Time) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO rooms(id, created_at) VALUES(?, ?)`, id, createdAt.UnixNano())
	if isConstraintError(err) {
		return errRoomExists
	}
	return err
}

func (b *sqliteBackend) roomExists(ctx context.Context, id string) (bool, error) {
	var count int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE id = ?`, id).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (b *sqliteBackend) tail(ctx context.Context, roomID string) (Message, bool, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT seq, username, kind, body, file_url, created_at
		FROM messages
		WHERE room_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, roomID)
	msg, err := scanMessage(row, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}

func (b *sqliteBackend) insertMessage(ctx context.Context, msg Message) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO messages(room_id, seq, username, kind, body, file_url, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, msg.RoomID, msg.Seq, msg.Username, string(msg.Kind), msg.Body, msg.FileURL, msg.Timestamp.UnixNano())
	return err
}

func (b *sqliteBackend) listMessages(ctx context.Context, roomID string) ([]Message, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, username, kind, body, file_url, created_at
		FROM messages
		WHERE room_id = ?
		ORDER BY seq ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows, roomID)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (b *sqliteBackend) close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, roomID string) (Message, error) {
	var (
		msg  Message
		kind string
		nano int64
	)
	if err := row.Scan(&msg.Seq, &msg.Username, &kind, &msg.Body, &msg.FileURL, &nano); err != nil {
		return Message{}, err
	}
	msg.RoomID = roomID
	msg.Kind = Kind(kind)
	msg.Timestamp = time.Unix(0, nano).UTC()
	return msg, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
