package rooms

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/louisbranch/chatroom/internal/services/chat/storage"
)

type fakeMetadata struct {
	rooms   map[string]storage.RoomMetadata
	lookups int
}

func (f *fakeMetadata) RoomMetadata(_ context.Context, roomID string) (storage.RoomMetadata, bool) {
	f.lookups++
	meta, ok := f.rooms[roomID]
	return meta, ok
}

func newTestRegistry(source MetadataSource) *Registry {
	r := NewRegistry(source)
	r.now = func() time.Time { return time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC) }
	return r
}

func member(userID, connID string) Member {
	return Member{UserID: userID, DisplayName: userID, ConnID: connID}
}

func TestGetOrCreateDefaults(t *testing.T) {
	r := newTestRegistry(nil)

	room := r.GetOrCreate(context.Background(), "general")
	if room.DisplayName != "general" {
		t.Fatalf("display name = %q, want %q", room.DisplayName, "general")
	}
	if !room.CreatedAt.Equal(r.now()) {
		t.Fatalf("created at = %s, want %s", room.CreatedAt, r.now())
	}
	if again := r.GetOrCreate(context.Background(), "general"); again != room {
		t.Fatal("expected existing room to be returned")
	}
}

func TestGetOrCreateMergesMetadata(t *testing.T) {
	created := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeMetadata{rooms: map[string]storage.RoomMetadata{
		"general": {RoomID: "general", Name: "General Chat", CreatedAt: created, AllowedGroups: []string{"staff"}},
		"unnamed": {RoomID: "unnamed"},
	}}
	r := newTestRegistry(source)

	room := r.GetOrCreate(context.Background(), "general")
	if room.DisplayName != "General Chat" || !room.CreatedAt.Equal(created) {
		t.Fatalf("room = %+v", room)
	}
	if len(room.AllowedGroups) != 1 || room.AllowedGroups[0] != "staff" {
		t.Fatalf("allowed groups = %v", room.AllowedGroups)
	}

	unnamed := r.GetOrCreate(context.Background(), "unnamed")
	if unnamed.DisplayName != "unnamed" || !unnamed.CreatedAt.Equal(r.now()) {
		t.Fatalf("empty metadata must keep defaults, got %+v", unnamed)
	}

	r.GetOrCreate(context.Background(), "general")
	if source.lookups != 2 {
		t.Fatalf("metadata lookups = %d, want 2", source.lookups)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()

	r.Join(ctx, "general", member("alice", "c1"))
	_, displaced := r.Join(ctx, "general", member("alice", "c1"))
	if displaced != nil {
		t.Fatalf("same connection re-join displaced %+v", displaced)
	}
	if got := r.MemberCount("general"); got != 1 {
		t.Fatalf("member count = %d, want 1", got)
	}
}

func TestJoinFromOtherConnectionDisplaces(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()

	r.Join(ctx, "general", member("alice", "c1"))
	_, displaced := r.Join(ctx, "general", member("alice", "c2"))
	if displaced == nil || displaced.ConnID != "c1" {
		t.Fatalf("displaced = %+v, want connection c1", displaced)
	}
	got, ok := r.Member("general", "alice")
	if !ok || got.ConnID != "c2" {
		t.Fatalf("member = %+v, want owned by c2", got)
	}
}

func TestLeaveDeletesEmptyRoom(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()
	r.Join(ctx, "general", member("alice", "c1"))
	r.Join(ctx, "general", member("bob", "c2"))

	room, ok := r.Leave("general", "alice")
	if !ok || room == nil || room.ID != "general" {
		t.Fatalf("leave = (%v, %v), want surviving room", room, ok)
	}
	if got := r.MemberCount("general"); got != 1 {
		t.Fatalf("member count = %d, want 1", got)
	}

	room, ok = r.Leave("general", "bob")
	if ok || room != nil {
		t.Fatalf("leave last member = (%v, %v), want (nil, false)", room, ok)
	}
	if _, exists := r.Room("general"); exists {
		t.Fatal("expected empty room to be deleted")
	}
}

func TestLeaveUnknownIsNoop(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()
	r.Join(ctx, "general", member("alice", "c1"))

	if room, ok := r.Leave("missing", "alice"); ok || room != nil {
		t.Fatalf("leave unknown room = (%v, %v)", room, ok)
	}
	if room, ok := r.Leave("general", "bob"); ok || room != nil {
		t.Fatalf("leave unknown member = (%v, %v)", room, ok)
	}
	if got := r.MemberCount("general"); got != 1 {
		t.Fatalf("member count = %d, want 1", got)
	}
}

func TestJoinThenLeaveRestoresState(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()
	r.Join(ctx, "general", member("alice", "c1"))
	before := r.AllRooms()

	r.Join(ctx, "general", member("bob", "c2"))
	r.Leave("general", "bob")
	after := r.AllRooms()

	if len(before) != len(after) || before[0].UserCount != after[0].UserCount {
		t.Fatalf("rooms before = %+v, after = %+v", before, after)
	}

	r.Join(ctx, "random", member("carol", "c3"))
	r.Leave("random", "carol")
	if _, exists := r.Room("random"); exists {
		t.Fatal("expected round trip on new room to leave no room behind")
	}
}

func TestReadsOnUnknownRoom(t *testing.T) {
	r := newTestRegistry(nil)
	if got := r.MembersOf("missing"); got == nil || len(got) != 0 {
		t.Fatalf("members = %#v, want empty slice", got)
	}
	if got := r.MemberCount("missing"); got != 0 {
		t.Fatalf("member count = %d, want 0", got)
	}
	if _, ok := r.Member("missing", "alice"); ok {
		t.Fatal("expected no member in unknown room")
	}
	if got := r.AllRooms(); len(got) != 0 {
		t.Fatalf("rooms = %+v, want none", got)
	}
}

func TestMembersOfSorted(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()
	for _, id := range []string{"carol", "alice", "bob"} {
		r.Join(ctx, "general", member(id, "c-"+id))
	}
	members := r.MembersOf("general")
	for i, want := range []string{"alice", "bob", "carol"} {
		if members[i].UserID != want {
			t.Fatalf("members[%d] = %q, want %q", i, members[i].UserID, want)
		}
	}
}

func TestAllRoomsSummaries(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()
	r.Join(ctx, "b-room", member("alice", "c1"))
	r.Join(ctx, "a-room", member("bob", "c2"))
	r.Join(ctx, "a-room", member("carol", "c3"))

	rooms := r.AllRooms()
	if len(rooms) != 2 {
		t.Fatalf("rooms = %d, want 2", len(rooms))
	}
	if rooms[0].RoomID != "a-room" || rooms[0].UserCount != 2 {
		t.Fatalf("rooms[0] = %+v", rooms[0])
	}
	if rooms[1].RoomID != "b-room" || rooms[1].UserCount != 1 {
		t.Fatalf("rooms[1] = %+v", rooms[1])
	}
}

// Random join/leave sequences never leave an empty room and never place a
// user in two rooms when each user keeps one current room.
func TestRandomSequencesKeepInvariants(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	current := make(map[string]string)
	users := []string{"u0", "u1", "u2", "u3", "u4"}
	roomIDs := []string{"r0", "r1", "r2"}

	for step := 0; step < 2000; step++ {
		user := users[rng.Intn(len(users))]
		if rng.Intn(2) == 0 {
			target := roomIDs[rng.Intn(len(roomIDs))]
			if prev, ok := current[user]; ok && prev != target {
				r.Leave(prev, user)
			}
			r.Join(ctx, target, member(user, "conn-"+user))
			current[user] = target
		} else if prev, ok := current[user]; ok {
			r.Leave(prev, user)
			delete(current, user)
		}

		total := 0
		for _, summary := range r.AllRooms() {
			if summary.UserCount == 0 {
				t.Fatalf("step %d: room %q is empty", step, summary.RoomID)
			}
			total += summary.UserCount
		}
		if total != len(current) {
			t.Fatalf("step %d: %d memberships, want %d", step, total, len(current))
		}
		for user, roomID := range current {
			if _, ok := r.Member(roomID, user); !ok {
				t.Fatalf("step %d: %s missing from %s", step, user, roomID)
			}
		}
	}
}
