package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/chatroom/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/chatroom/internal/services/chat/storage"
	"github.com/louisbranch/chatroom/internal/services/chat/storage/sqlite/migrations"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements storage.Store over SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens a chat SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping verifies the database handle is usable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return errors.New("storage is not configured")
	}
	return s.sqlDB.PingContext(ctx)
}

// GetRoomMetadata loads one room record.
func (s *Store) GetRoomMetadata(ctx context.Context, roomID string) (storage.RoomMetadata, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT room_id, name, created_at, allowed_groups FROM rooms WHERE room_id = ?`,
		roomID,
	)
	meta, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RoomMetadata{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RoomMetadata{}, fmt.Errorf("get room %s: %w", roomID, err)
	}
	return meta, nil
}

// ListRoomMetadata returns every room record ordered by id.
func (s *Store) ListRoomMetadata(ctx context.Context) ([]storage.RoomMetadata, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT room_id, name, created_at, allowed_groups FROM rooms ORDER BY room_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var metas []storage.RoomMetadata
	for rows.Next() {
		meta, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return metas, nil
}

// PutRoomMetadata inserts or replaces a room record.
func (s *Store) PutRoomMetadata(ctx context.Context, meta storage.RoomMetadata) error {
	if strings.TrimSpace(meta.RoomID) == "" {
		return fmt.Errorf("room id is required")
	}
	groups, err := json.Marshal(lo.Uniq(lo.Compact(meta.AllowedGroups)))
	if err != nil {
		return fmt.Errorf("encode allowed groups: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO rooms (room_id, name, created_at, allowed_groups)
VALUES (?, ?, ?, ?)
ON CONFLICT(room_id) DO UPDATE SET
    name = excluded.name,
    created_at = excluded.created_at,
    allowed_groups = excluded.allowed_groups`,
		meta.RoomID, meta.Name, toMillis(meta.CreatedAt), string(groups),
	)
	if err != nil {
		return fmt.Errorf("put room %s: %w", meta.RoomID, err)
	}
	return nil
}

// PutMessage stores msg and prunes expired rows of the same room.
func (s *Store) PutMessage(ctx context.Context, msg storage.Message) error {
	if strings.TrimSpace(msg.MessageID) == "" {
		return fmt.Errorf("message id is required")
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ttl sql.NullInt64
	if msg.TTL > 0 {
		ttl = sql.NullInt64{Int64: msg.TTL, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO messages (message_id, room_id, timestamp, user_id, display_name, content, ttl)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.RoomID, msg.Timestamp, msg.UserID, msg.DisplayName, msg.Content, ttl,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE room_id = ? AND ttl IS NOT NULL AND ttl <= ?`,
		msg.RoomID, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("prune expired messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message tx: %w", err)
	}
	return nil
}

// RecentMessages returns the newest limit unexpired messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int, now time.Time) ([]storage.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT message_id, room_id, timestamp, user_id, display_name, content, ttl
FROM messages
WHERE room_id = ? AND (ttl IS NULL OR ttl > ?)
ORDER BY timestamp DESC, message_id DESC
LIMIT ?`,
		roomID, now.Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.Message
	for rows.Next() {
		var (
			msg storage.Message
			ttl sql.NullInt64
		)
		if err := rows.Scan(&msg.MessageID, &msg.RoomID, &msg.Timestamp, &msg.UserID, &msg.DisplayName, &msg.Content, &ttl); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if ttl.Valid {
			msg.TTL = ttl.Int64
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return lo.Reverse(messages), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (storage.RoomMetadata, error) {
	var (
		meta      storage.RoomMetadata
		createdAt int64
		groups    string
	)
	if err := row.Scan(&meta.RoomID, &meta.Name, &createdAt, &groups); err != nil {
		return storage.RoomMetadata{}, err
	}
	meta.CreatedAt = fromMillis(createdAt)
	if groups != "" {
		if err := json.Unmarshal([]byte(groups), &meta.AllowedGroups); err != nil {
			return storage.RoomMetadata{}, fmt.Errorf("decode allowed groups: %w", err)
		}
	}
	if len(meta.AllowedGroups) == 0 {
		meta.AllowedGroups = nil
	}
	return meta, nil
}
