package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu        sync.Mutex
	pingErr   error
	callErr   error
	metadata  map[string]RoomMetadata
	messages  []Message
	calls     int
	closed    bool
	lastLimit int
}

func (f *fakeStore) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeStore) GetRoomMetadata(_ context.Context, roomID string) (RoomMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.callErr != nil {
		return RoomMetadata{}, f.callErr
	}
	meta, ok := f.metadata[roomID]
	if !ok {
		return RoomMetadata{}, ErrNotFound
	}
	return meta, nil
}

func (f *fakeStore) ListRoomMetadata(context.Context) ([]RoomMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	out := make([]RoomMetadata, 0, len(f.metadata))
	for _, meta := range f.metadata {
		out = append(out, meta)
	}
	return out, nil
}

func (f *fakeStore) PutRoomMetadata(_ context.Context, meta RoomMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.callErr != nil {
		return f.callErr
	}
	if f.metadata == nil {
		f.metadata = make(map[string]RoomMetadata)
	}
	f.metadata[meta.RoomID] = meta
	return nil
}

func (f *fakeStore) PutMessage(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.callErr != nil {
		return f.callErr
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) RecentMessages(_ context.Context, roomID string, limit int, now time.Time) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastLimit = limit
	if f.callErr != nil {
		return nil, f.callErr
	}
	var out []Message
	for _, msg := range f.messages {
		if msg.RoomID == roomID && !msg.Expired(now) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestOpenMarksAvailableAfterPing(t *testing.T) {
	g := Open(context.Background(), &fakeStore{}, Options{Now: fixedNow})
	if !g.Available() {
		t.Fatal("expected gateway to be available")
	}
}

func TestOpenNilStoreIsUnavailable(t *testing.T) {
	g := Open(context.Background(), nil, Options{})
	if g.Available() {
		t.Fatal("expected nil store gateway to be unavailable")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestUnavailableGatewayShortCircuits(t *testing.T) {
	store := &fakeStore{pingErr: errors.New("connection refused")}
	g := Open(context.Background(), store, Options{Now: fixedNow})
	if g.Available() {
		t.Fatal("expected failed ping to disable gateway")
	}

	if _, ok := g.RoomMetadata(context.Background(), "general"); ok {
		t.Fatal("expected no metadata from unavailable gateway")
	}
	if metas := g.AllRoomMetadata(context.Background()); len(metas) != 0 {
		t.Fatalf("all metadata = %v, want empty", metas)
	}
	if g.SaveMessage(context.Background(), Message{RoomID: "general", Content: "hi"}) {
		t.Fatal("expected save to report not persisted")
	}
	history := g.History(context.Background(), "general")
	if history == nil || len(history) != 0 {
		t.Fatalf("history = %#v, want empty non-nil slice", history)
	}
	if store.calls != 0 {
		t.Fatalf("backend calls = %d, want 0", store.calls)
	}
}

func TestNilGatewayIsUnavailable(t *testing.T) {
	var g *Gateway
	if g.Available() {
		t.Fatal("expected nil gateway to be unavailable")
	}
	if g.SaveMessage(context.Background(), Message{RoomID: "general"}) {
		t.Fatal("expected nil gateway save to be a no-op")
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRoomMetadataLookup(t *testing.T) {
	created := fixedNow().Add(-time.Hour)
	store := &fakeStore{metadata: map[string]RoomMetadata{
		"general": {RoomID: "general", Name: "General", CreatedAt: created, AllowedGroups: []string{"staff"}},
	}}
	g := Open(context.Background(), store, Options{Now: fixedNow})

	meta, ok := g.RoomMetadata(context.Background(), "general")
	if !ok {
		t.Fatal("expected metadata")
	}
	if meta.Name != "General" || !meta.CreatedAt.Equal(created) {
		t.Fatalf("metadata = %+v", meta)
	}
	if _, ok := g.RoomMetadata(context.Background(), "random"); ok {
		t.Fatal("expected missing room to report absent")
	}
}

func TestBackendErrorsDegradeWithoutDisabling(t *testing.T) {
	store := &fakeStore{}
	g := Open(context.Background(), store, Options{Now: fixedNow})
	store.callErr = errors.New("throttled")

	if _, ok := g.RoomMetadata(context.Background(), "general"); ok {
		t.Fatal("expected failed lookup to report absent")
	}
	if g.SaveMessage(context.Background(), Message{RoomID: "general"}) {
		t.Fatal("expected failed save to report false")
	}
	if history := g.History(context.Background(), "general"); len(history) != 0 {
		t.Fatalf("history = %v, want empty", history)
	}
	if !g.Available() {
		t.Fatal("per-call failures must not flip availability")
	}

	store.callErr = nil
	if !g.SaveMessage(context.Background(), Message{RoomID: "general"}) {
		t.Fatal("expected save to succeed after backend recovers")
	}
}

func TestSaveMessageStampsTTL(t *testing.T) {
	store := &fakeStore{}
	g := Open(context.Background(), store, Options{Now: fixedNow, MessageTTL: 48 * time.Hour})

	if !g.SaveMessage(context.Background(), Message{RoomID: "general", Content: "hi"}) {
		t.Fatal("expected save to succeed")
	}
	want := fixedNow().Add(48 * time.Hour).Unix()
	if got := store.messages[0].TTL; got != want {
		t.Fatalf("ttl = %d, want %d", got, want)
	}
}

func TestSaveMessageDefaultsToSevenDays(t *testing.T) {
	store := &fakeStore{}
	g := Open(context.Background(), store, Options{Now: fixedNow})

	g.SaveMessage(context.Background(), Message{RoomID: "general"})
	want := fixedNow().Add(7 * 24 * time.Hour).Unix()
	if got := store.messages[0].TTL; got != want {
		t.Fatalf("ttl = %d, want %d", got, want)
	}
}

func TestHistoryCapsToLimitOldestFirst(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 60; i++ {
		store.messages = append(store.messages, Message{RoomID: "general", Timestamp: int64(i)})
	}
	g := Open(context.Background(), store, Options{Now: fixedNow})

	history := g.History(context.Background(), "general")
	if len(history) != 50 {
		t.Fatalf("history length = %d, want 50", len(history))
	}
	if store.lastLimit != 50 {
		t.Fatalf("limit passed to store = %d, want 50", store.lastLimit)
	}
	if history[0].Timestamp != 10 || history[49].Timestamp != 59 {
		t.Fatalf("history window = [%d..%d], want [10..59]", history[0].Timestamp, history[49].Timestamp)
	}
}

func TestHistoryEmptyRoom(t *testing.T) {
	g := Open(context.Background(), &fakeStore{}, Options{Now: fixedNow})
	history := g.History(context.Background(), "quiet")
	if history == nil || len(history) != 0 {
		t.Fatalf("history = %#v, want empty non-nil slice", history)
	}
}

func TestMessageExpired(t *testing.T) {
	now := fixedNow()
	if (Message{}).Expired(now) {
		t.Fatal("message without ttl must not expire")
	}
	if !(Message{TTL: now.Unix()}).Expired(now) {
		t.Fatal("message at ttl must be expired")
	}
	if (Message{TTL: now.Add(time.Second).Unix()}).Expired(now) {
		t.Fatal("message before ttl must not be expired")
	}
}

func TestCloseClosesStore(t *testing.T) {
	store := &fakeStore{}
	g := Open(context.Background(), store, Options{})
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !store.closed {
		t.Fatal("expected backend to be closed")
	}
}

func TestSaveRoomMetadataStampsCreatedAt(t *testing.T) {
	store := &fakeStore{}
	g := Open(context.Background(), store, Options{Now: fixedNow})

	if !g.SaveRoomMetadata(context.Background(), RoomMetadata{RoomID: "general", Name: "General"}) {
		t.Fatal("save room metadata = false, want true")
	}
	meta, ok := g.RoomMetadata(context.Background(), "general")
	if !ok || meta.Name != "General" || !meta.CreatedAt.Equal(fixedNow()) {
		t.Fatalf("metadata = (%+v, %t)", meta, ok)
	}
	if g.SaveRoomMetadata(context.Background(), RoomMetadata{RoomID: "  "}) {
		t.Fatal("save with blank room id = true, want false")
	}
}

func TestSaveRoomMetadataFailures(t *testing.T) {
	if Unavailable().SaveRoomMetadata(context.Background(), RoomMetadata{RoomID: "general"}) {
		t.Fatal("unavailable gateway saved metadata")
	}
	store := &fakeStore{callErr: errors.New("throttled")}
	g := Open(context.Background(), store, Options{Now: fixedNow})
	if g.SaveRoomMetadata(context.Background(), RoomMetadata{RoomID: "general"}) {
		t.Fatal("failing store saved metadata")
	}
	if !g.Available() {
		t.Fatal("per-call failure disabled the gateway")
	}
}
