package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing record in a backend store.
var ErrNotFound = errors.New("record not found")

// DefaultHistoryLimit bounds how many recent messages a join receives.
const DefaultHistoryLimit = 50

// DefaultMessageTTL is how long persisted messages stay retrievable.
const DefaultMessageTTL = 7 * 24 * time.Hour

// RoomMetadata is the durable description of a room.
type RoomMetadata struct {
	RoomID        string    `json:"roomId"`
	Name          string    `json:"name,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	AllowedGroups []string  `json:"allowedGroups,omitempty"`
}

// Message is one chat message as broadcast and persisted.
//
// Timestamp is in milliseconds since the Unix epoch. TTL, when set, is the
// expiry instant in seconds since the Unix epoch.
type Message struct {
	MessageID   string `json:"messageId"`
	RoomID      string `json:"roomId"`
	Timestamp   int64  `json:"timestamp"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Content     string `json:"content"`
	TTL         int64  `json:"ttl,omitempty"`
}

// Expired reports whether the message TTL has passed at now.
func (m Message) Expired(now time.Time) bool {
	return m.TTL > 0 && m.TTL <= now.Unix()
}

// Store is implemented by durable backends.
type Store interface {
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// GetRoomMetadata returns ErrNotFound when the room has no record.
	GetRoomMetadata(ctx context.Context, roomID string) (RoomMetadata, error)
	ListRoomMetadata(ctx context.Context) ([]RoomMetadata, error)
	PutRoomMetadata(ctx context.Context, meta RoomMetadata) error
	PutMessage(ctx context.Context, msg Message) error
	// RecentMessages returns up to limit unexpired messages for roomID,
	// oldest first.
	RecentMessages(ctx context.Context, roomID string, limit int, now time.Time) ([]Message, error)
	Close() error
}
