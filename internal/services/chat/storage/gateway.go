package storage

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	platformotel "github.com/louisbranch/chatroom/internal/platform/otel"
	"github.com/louisbranch/chatroom/internal/platform/timeouts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options tunes a Gateway.
type Options struct {
	HistoryLimit int
	MessageTTL   time.Duration
	// InitTimeout bounds the one-time availability probe.
	InitTimeout time.Duration
	Now         func() time.Time
}

// Gateway is the failure-absorbing front of a Store.
//
// The availability flag is decided once in Open and never changes. Calls on an
// unavailable gateway return zero values without touching the backend; calls
// that fail on an available gateway log a warning and also return zero values.
type Gateway struct {
	store        Store
	available    bool
	historyLimit int
	messageTTL   time.Duration
	now          func() time.Time
	tracer       trace.Tracer
}

// Open probes store once and returns a gateway. A nil store yields a
// memory-only gateway.
func Open(ctx context.Context, store Store, opts Options) *Gateway {
	g := newGateway(store, opts)
	if store == nil {
		log.Printf("chat: durable store not configured, running memory-only")
		return g
	}

	timeout := opts.InitTimeout
	if timeout <= 0 {
		timeout = timeouts.StoreInit
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	probeCtx, span := g.tracer.Start(probeCtx, "storage.Ping")
	defer span.End()

	if err := store.Ping(probeCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ping failed")
		log.Printf("chat: durable store unavailable, running memory-only: %v", err)
		return g
	}
	g.available = true
	return g
}

// Unavailable returns a gateway that never touches a backend.
func Unavailable() *Gateway {
	return newGateway(nil, Options{})
}

func newGateway(store Store, opts Options) *Gateway {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = DefaultMessageTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{
		store:        store,
		historyLimit: opts.HistoryLimit,
		messageTTL:   opts.MessageTTL,
		now:          opts.Now,
		tracer:       platformotel.Tracer("chatroom/storage"),
	}
}

// Available reports whether the durable store passed its startup probe.
func (g *Gateway) Available() bool {
	return g != nil && g.available
}

// RoomMetadata returns the stored metadata for roomID, if any.
func (g *Gateway) RoomMetadata(ctx context.Context, roomID string) (RoomMetadata, bool) {
	if !g.Available() || strings.TrimSpace(roomID) == "" {
		return RoomMetadata{}, false
	}
	ctx, span := g.start(ctx, "storage.RoomMetadata", roomID)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreCall)
	defer cancel()

	meta, err := g.store.GetRoomMetadata(ctx, roomID)
	if errors.Is(err, ErrNotFound) {
		return RoomMetadata{}, false
	}
	if err != nil {
		g.fail(span, err)
		log.Printf("chat: load room metadata room=%q: %v", roomID, err)
		return RoomMetadata{}, false
	}
	if meta.RoomID == "" {
		meta.RoomID = roomID
	}
	return meta, true
}

// AllRoomMetadata lists every stored room record.
func (g *Gateway) AllRoomMetadata(ctx context.Context) []RoomMetadata {
	if !g.Available() {
		return nil
	}
	ctx, span := g.start(ctx, "storage.AllRoomMetadata", "")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreCall)
	defer cancel()

	metas, err := g.store.ListRoomMetadata(ctx)
	if err != nil {
		g.fail(span, err)
		log.Printf("chat: list room metadata: %v", err)
		return nil
	}
	return metas
}

// SaveRoomMetadata stores meta and reports whether the write reached the store.
func (g *Gateway) SaveRoomMetadata(ctx context.Context, meta RoomMetadata) bool {
	if !g.Available() || strings.TrimSpace(meta.RoomID) == "" {
		return false
	}
	ctx, span := g.start(ctx, "storage.SaveRoomMetadata", meta.RoomID)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreCall)
	defer cancel()

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = g.now().UTC()
	}
	if err := g.store.PutRoomMetadata(ctx, meta); err != nil {
		g.fail(span, err)
		log.Printf("chat: save room metadata room=%q: %v", meta.RoomID, err)
		return false
	}
	return true
}

// SaveMessage persists msg with the configured TTL and reports whether the
// write reached the store.
func (g *Gateway) SaveMessage(ctx context.Context, msg Message) bool {
	if !g.Available() {
		return false
	}
	ctx, span := g.start(ctx, "storage.SaveMessage", msg.RoomID)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreCall)
	defer cancel()

	if msg.TTL == 0 {
		msg.TTL = g.now().Add(g.messageTTL).Unix()
	}
	if err := g.store.PutMessage(ctx, msg); err != nil {
		g.fail(span, err)
		log.Printf("chat: save message room=%q user=%q: %v", msg.RoomID, msg.UserID, err)
		return false
	}
	return true
}

// History returns the most recent messages of roomID, oldest first.
func (g *Gateway) History(ctx context.Context, roomID string) []Message {
	if !g.Available() || strings.TrimSpace(roomID) == "" {
		return []Message{}
	}
	ctx, span := g.start(ctx, "storage.History", roomID)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreCall)
	defer cancel()

	messages, err := g.store.RecentMessages(ctx, roomID, g.historyLimit, g.now())
	if err != nil {
		g.fail(span, err)
		log.Printf("chat: load history room=%q: %v", roomID, err)
		return []Message{}
	}
	if len(messages) > g.historyLimit {
		messages = messages[len(messages)-g.historyLimit:]
	}
	span.SetAttributes(attribute.Int("chat.history.count", len(messages)))
	if messages == nil {
		return []Message{}
	}
	return messages
}

// Close releases the backend, if any.
func (g *Gateway) Close() error {
	if g == nil || g.store == nil {
		return nil
	}
	return g.store.Close()
}

func (g *Gateway) start(ctx context.Context, name, roomID string) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if roomID == "" {
		return g.tracer.Start(ctx, name)
	}
	return g.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("chat.room_id", roomID)))
}

func (g *Gateway) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
