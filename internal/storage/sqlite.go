package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"chatsync/internal/chat"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// SQLiteLog keeps the relay history in a SQLite database.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens the database at path. Call Migrate before use and Close when done.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	if path == "" {
		path = "chatsync.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteLog{db: db}, nil
}

func (s *SQLiteLog) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
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
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *SQLiteLog) Migrate(ctx context.Context) (err error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			message_type TEXT NOT NULL,
			sent_at INTEGER NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS messages_room_seq ON messages(room_id, seq);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_correlation
			ON messages(room_id, sender_id, correlation_id) WHERE correlation_id <> '';`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
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

func (s *SQLiteLog) Append(ctx context.Context, m chat.Message) (chat.Message, bool, error) {
	if err := validRoom(m.RoomID); err != nil {
		return chat.Message{}, false, err
	}
	if err := m.Validate(); err != nil {
		return chat.Message{}, false, err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(id, room_id, sender_id, content, message_type, sent_at, correlation_id)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, m.SenderID, m.Content, string(m.Type), m.SentAt.UTC().UnixNano(), m.CorrelationID)
	if err == nil {
		m.State = chat.StateSent
		return m, true, nil
	}
	if !isConstraintError(err) {
		return chat.Message{}, false, err
	}

	existing, err := s.lookupExisting(ctx, m)
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("lookup after conflict: %w", err)
	}
	return existing, false, nil
}

func (s *SQLiteLog) lookupExisting(ctx context.Context, m chat.Message) (chat.Message, error) {
	if m.CorrelationID != "" {
		row := s.db.QueryRowContext(ctx, selectColumns+`
			WHERE room_id = ? AND sender_id = ? AND correlation_id = ?`, m.RoomID, m.SenderID, m.CorrelationID)
		existing, _, err := scanMessage(row)
		if !errors.Is(err, sql.ErrNoRows) {
			return existing, err
		}
	}
	existing, _, err := scanMessage(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, m.ID))
	return existing, err
}

func (s *SQLiteLog) List(ctx context.Context, roomID, before string, limit int) ([]chat.Message, error) {
	limit = clampLimit(limit)
	var (
		rows *sql.Rows
		err  error
	)
	if before == "" {
		rows, err = s.db.QueryContext(ctx, selectColumns+`
			WHERE room_id = ? ORDER BY seq DESC LIMIT ?`, roomID, limit)
	} else {
		var cursor int64
		err = s.db.QueryRowContext(ctx, `SELECT seq FROM messages WHERE id = ? AND room_id = ?`, before, roomID).Scan(&cursor)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		rows, err = s.db.QueryContext(ctx, selectColumns+`
			WHERE room_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?`, roomID, cursor, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Message, 0, limit)
	for rows.Next() {
		m, _, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteLog) Exists(ctx context.Context, roomID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE room_id = ?)`, roomID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

const selectColumns = `SELECT seq, id, room_id, sender_id, content, message_type, sent_at, correlation_id FROM messages`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (chat.Message, int64, error) {
	var (
		m       chat.Message
		seq     int64
		typ     string
		sentAtN int64
	)
	if err := row.Scan(&seq, &m.ID, &m.RoomID, &m.SenderID, &m.Content, &typ, &sentAtN, &m.CorrelationID); err != nil {
		return chat.Message{}, 0, err
	}
	m.Type = chat.MessageType(typ)
	m.SentAt = time.Unix(0, sentAtN).UTC()
	m.State = chat.StateSent
	return m, seq, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
