// Package redis stores chat metadata and history in Redis.
//
// Room records live under rooms:{id} with their ids indexed in rooms:index.
// Each room's messages form a sorted set scored by timestamp; the set expires
// together with its newest message.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/chatroom/internal/services/chat/storage"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

const roomIndexKey = "rooms:index"

// maxMessagesPerRoom trims each room's sorted set after every write.
const maxMessagesPerRoom = 1000

func roomKey(id string) string {
	return fmt.Sprintf("rooms:%s", id)
}

func messagesKey(roomID string) string {
	return fmt.Sprintf("messages:%s", roomID)
}

// Store implements storage.Store over a Redis client.
type Store struct {
	rdb *redis.Client
}

var _ storage.Store = (*Store)(nil)

// New wraps an existing client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Open creates a client for addr. The connection is established lazily; the
// gateway probe is what verifies reachability.
func Open(addr string) (*Store, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	return New(redis.NewClient(opts)), nil
}

// Ping verifies the server answers.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.rdb == nil {
		return errors.New("redis client is not configured")
	}
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// GetRoomMetadata loads one room record.
func (s *Store) GetRoomMetadata(ctx context.Context, roomID string) (storage.RoomMetadata, error) {
	val, err := s.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.RoomMetadata{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RoomMetadata{}, fmt.Errorf("get room %s: %w", roomID, err)
	}
	var meta storage.RoomMetadata
	if err := json.Unmarshal(val, &meta); err != nil {
		return storage.RoomMetadata{}, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return meta, nil
}

// ListRoomMetadata returns every indexed room ordered by id.
func (s *Store) ListRoomMetadata(ctx context.Context) ([]storage.RoomMetadata, error) {
	ids, err := s.rdb.SMembers(ctx, roomIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list room ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	values, err := s.rdb.MGet(ctx, lo.Map(ids, func(id string, _ int) string { return roomKey(id) })...).Result()
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	metas := make([]storage.RoomMetadata, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var meta storage.RoomMetadata
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("decode room %s: %w", ids[i], err)
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// PutRoomMetadata writes a room record and indexes its id.
func (s *Store) PutRoomMetadata(ctx context.Context, meta storage.RoomMetadata) error {
	if strings.TrimSpace(meta.RoomID) == "" {
		return errors.New("room id is required")
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode room: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, roomKey(meta.RoomID), b, 0)
	pipe.SAdd(ctx, roomIndexKey, meta.RoomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put room %s: %w", meta.RoomID, err)
	}
	return nil
}

// PutMessage appends msg to its room set, trims the set and pushes the key
// expiry to the message TTL.
func (s *Store) PutMessage(ctx context.Context, msg storage.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := messagesKey(msg.RoomID)
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.Timestamp), Member: b})
	pipe.ZRemRangeByRank(ctx, key, 0, -(maxMessagesPerRoom + 1))
	if msg.TTL > 0 {
		pipe.ExpireAt(ctx, key, time.Unix(msg.TTL, 0))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put message room %s: %w", msg.RoomID, err)
	}
	return nil
}

// RecentMessages returns the newest limit unexpired messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int, now time.Time) ([]storage.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.rdb.ZRevRange(ctx, messagesKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read messages room %s: %w", roomID, err)
	}
	messages := make([]storage.Message, 0, len(raw))
	for _, value := range raw {
		var msg storage.Message
		if err := json.Unmarshal([]byte(value), &msg); err != nil {
			return nil, fmt.Errorf("decode message room %s: %w", roomID, err)
		}
		if msg.Expired(now) {
			continue
		}
		messages = append(messages, msg)
	}
	return lo.Reverse(messages), nil
}
