// Package badger provides an embedded BadgerDB chat store.
//
// Message keys are "msg:{room}:{timestamp}:{id}" with the room id base64url
// encoded and the millisecond timestamp zero padded to 19 digits, so a prefix
// scan walks one room in time order. Badger expires entries natively at
// their TTL.
package badger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/louisbranch/chatroom/internal/services/chat/storage"
)

const (
	roomPrefix    = "room:"
	messagePrefix = "msg:"
	// seekSuffix sorts after every padded timestamp.
	seekSuffix = "9999999999999999999;"
)

// Store implements storage.Store over BadgerDB.
type Store struct {
	db *badger.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates a Badger database in dir.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("badger directory is required")
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a Badger database that lives only in memory.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &Store{db: db}, nil
}

func encodeRoom(roomID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

func roomKey(roomID string) []byte {
	return []byte(roomPrefix + encodeRoom(roomID))
}

func roomMessagesPrefix(roomID string) []byte {
	return []byte(messagePrefix + encodeRoom(roomID) + ":")
}

func messageKey(msg storage.Message) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%s", messagePrefix, encodeRoom(msg.RoomID), msg.Timestamp, msg.MessageID))
}

// Ping reports whether the database is open.
func (s *Store) Ping(context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("badger is not configured")
	}
	if s.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil || s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

// GetRoomMetadata loads one room record.
func (s *Store) GetRoomMetadata(_ context.Context, roomID string) (storage.RoomMetadata, error) {
	var meta storage.RoomMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(roomID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.RoomMetadata{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RoomMetadata{}, fmt.Errorf("get room %s: %w", roomID, err)
	}
	return meta, nil
}

// ListRoomMetadata returns every room record in key order.
func (s *Store) ListRoomMetadata(context.Context) ([]storage.RoomMetadata, error) {
	var metas []storage.RoomMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(roomPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var meta storage.RoomMetadata
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}
			metas = append(metas, meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return metas, nil
}

// PutRoomMetadata writes a room record.
func (s *Store) PutRoomMetadata(_ context.Context, meta storage.RoomMetadata) error {
	if strings.TrimSpace(meta.RoomID) == "" {
		return errors.New("room id is required")
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode room: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(roomKey(meta.RoomID), b)
	})
}

// PutMessage stores msg, expiring it at msg.TTL when set.
func (s *Store) PutMessage(_ context.Context, msg storage.Message) error {
	if strings.TrimSpace(msg.MessageID) == "" {
		return errors.New("message id is required")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	entry := badger.NewEntry(messageKey(msg), b)
	if msg.TTL > 0 {
		ttl := time.Until(time.Unix(msg.TTL, 0))
		if ttl <= 0 {
			return nil
		}
		entry = entry.WithTTL(ttl)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// RecentMessages walks the room backwards from its newest key and returns
// up to limit unexpired messages, oldest first.
func (s *Store) RecentMessages(_ context.Context, roomID string, limit int, now time.Time) ([]storage.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var newestFirst []storage.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := roomMessagesPrefix(roomID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), seekSuffix...)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if len(newestFirst) == limit {
				break
			}
			var msg storage.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			if msg.Expired(now) {
				continue
			}
			newestFirst = append(newestFirst, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read messages room %s: %w", roomID, err)
	}
	messages := make([]storage.Message, len(newestFirst))
	for i, msg := range newestFirst {
		messages[len(newestFirst)-1-i] = msg
	}
	return messages, nil
}
