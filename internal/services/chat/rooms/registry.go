// Package rooms keeps the authoritative in-memory directory of live rooms
// and their members.
//
// A Registry is not safe for concurrent use. The coordinator owns it and
// mutates it from a single dispatch goroutine.
package rooms

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/chatroom/internal/services/chat/storage"
	"github.com/samber/lo"
)

// MetadataSource supplies stored room metadata on first creation.
type MetadataSource interface {
	RoomMetadata(ctx context.Context, roomID string) (storage.RoomMetadata, bool)
}

// Member is one user present in a room.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsGuest     bool   `json:"isGuest"`
	// ConnID identifies the connection that owns this membership.
	ConnID string `json:"-"`
}

// Room is a live room. It exists only while it has members.
type Room struct {
	ID            string
	DisplayName   string
	CreatedAt     time.Time
	AllowedGroups []string
	members       map[string]Member
}

// Summary is a read-only view of a room.
type Summary struct {
	RoomID        string    `json:"roomId"`
	DisplayName   string    `json:"displayName"`
	CreatedAt     time.Time `json:"createdAt"`
	AllowedGroups []string  `json:"allowedGroups,omitempty"`
	UserCount     int       `json:"userCount"`
}

// Registry maps room ids to live rooms.
type Registry struct {
	rooms    map[string]*Room
	metadata MetadataSource
	now      func() time.Time
}

// NewRegistry builds an empty registry. metadata may be nil.
func NewRegistry(metadata MetadataSource) *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		metadata: metadata,
		now:      time.Now,
	}
}

// GetOrCreate returns the live room for roomID, creating it from stored
// metadata or defaults when absent.
func (r *Registry) GetOrCreate(ctx context.Context, roomID string) *Room {
	if room, ok := r.rooms[roomID]; ok {
		return room
	}
	room := &Room{
		ID:          roomID,
		DisplayName: roomID,
		CreatedAt:   r.now().UTC(),
		members:     make(map[string]Member),
	}
	if r.metadata != nil {
		if meta, ok := r.metadata.RoomMetadata(ctx, roomID); ok {
			if name := strings.TrimSpace(meta.Name); name != "" {
				room.DisplayName = name
			}
			if !meta.CreatedAt.IsZero() {
				room.CreatedAt = meta.CreatedAt.UTC()
			}
			room.AllowedGroups = append([]string(nil), meta.AllowedGroups...)
		}
	}
	r.rooms[roomID] = room
	return room
}

// Join adds or replaces member in roomID, creating the room when needed.
//
// When the replaced entry was owned by a different connection, that entry is
// returned as displaced.
func (r *Registry) Join(ctx context.Context, roomID string, member Member) (*Room, *Member) {
	room := r.GetOrCreate(ctx, roomID)
	var displaced *Member
	if previous, ok := room.members[member.UserID]; ok && previous.ConnID != member.ConnID {
		displaced = &previous
	}
	room.members[member.UserID] = member
	return room, displaced
}

// Leave removes userID from roomID. It returns the room when it still has
// members, or nil and false when the room was deleted or nothing changed.
func (r *Registry) Leave(roomID, userID string) (*Room, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	if _, ok := room.members[userID]; !ok {
		return nil, false
	}
	delete(room.members, userID)
	if len(room.members) == 0 {
		delete(r.rooms, roomID)
		return nil, false
	}
	return room, true
}

// Member returns the member entry for userID in roomID.
func (r *Registry) Member(roomID, userID string) (Member, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return Member{}, false
	}
	member, ok := room.members[userID]
	return member, ok
}

// MembersOf lists the members of roomID ordered by user id.
func (r *Registry) MembersOf(roomID string) []Member {
	room, ok := r.rooms[roomID]
	if !ok {
		return []Member{}
	}
	members := lo.Values(room.members)
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}

// MemberCount reports how many members roomID has.
func (r *Registry) MemberCount(roomID string) int {
	room, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(room.members)
}

// Room returns the live room for roomID.
func (r *Registry) Room(roomID string) (*Room, bool) {
	room, ok := r.rooms[roomID]
	return room, ok
}

// AllRooms summarizes every live room ordered by id.
func (r *Registry) AllRooms() []Summary {
	summaries := lo.MapToSlice(r.rooms, func(_ string, room *Room) Summary {
		return Summary{
			RoomID:        room.ID,
			DisplayName:   room.DisplayName,
			CreatedAt:     room.CreatedAt,
			AllowedGroups: room.AllowedGroups,
			UserCount:     len(room.members),
		}
	})
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].RoomID < summaries[j].RoomID })
	return summaries
}
