package server

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/louisbranch/chatroom/internal/services/chat/identity"
	"github.com/louisbranch/chatroom/internal/services/chat/rooms"
	"github.com/louisbranch/chatroom/internal/services/chat/storage"
)

const (
	maxRoomIDRunes      = 128
	maxMessageBodyRunes = 2000
)

// ErrCoordinatorStopped reports an event submitted after Run returned.
var ErrCoordinatorStopped = errors.New("chat coordinator stopped")

// Persistence is what the coordinator needs from the durable store.
// *storage.Gateway implements it.
type Persistence interface {
	SaveMessage(ctx context.Context, msg storage.Message) bool
	History(ctx context.Context, roomID string) []storage.Message
}

// CoordinatorOptions tunes a Coordinator.
type CoordinatorOptions struct {
	// OnPersisted observes the outcome of every detached message write.
	OnPersisted func(msg storage.Message, persisted bool)
	Now         func() time.Time
}

// Coordinator owns the room registry and every connection session.
//
// All state changes run as events on one dispatch goroutine (Run), one event
// at a time, so the registry needs no locks and presence is always computed
// from the state the event produced.
type Coordinator struct {
	registry *rooms.Registry
	store    Persistence
	presence presenceBroadcaster
	pipeline messagePipeline
	sessions map[string]*session

	events     chan event
	stopped    chan struct{}
	stopOnce   sync.Once
	background sync.WaitGroup
}

type event struct {
	run  func()
	done chan struct{}
}

// NewCoordinator builds a coordinator over registry and store.
func NewCoordinator(registry *rooms.Registry, store Persistence, opts CoordinatorOptions) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Coordinator{
		registry: registry,
		store:    store,
		sessions: make(map[string]*session),
		events:   make(chan event),
		stopped:  make(chan struct{}),
	}
	c.presence = presenceBroadcaster{registry: registry, out: c}
	c.pipeline = messagePipeline{
		store:       store,
		out:         c,
		now:         opts.Now,
		onPersisted: opts.OnPersisted,
		inflight:    &c.background,
	}
	return c
}

// Run executes events until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.stopOnce.Do(func() { close(c.stopped) })
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			ev.run()
			close(ev.done)
		}
	}
}

// Wait blocks until detached persistence and history deliveries finish.
func (c *Coordinator) Wait() {
	c.background.Wait()
}

// dispatch runs fn on the dispatch goroutine and waits for it.
func (c *Coordinator) dispatch(ctx context.Context, fn func()) error {
	ev := event{run: fn, done: make(chan struct{})}
	select {
	case c.events <- ev:
	case <-c.stopped:
		return ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ev.done:
		return nil
	case <-c.stopped:
		return ErrCoordinatorStopped
	}
}

// broadcast sends frame to every member of roomID except exceptConnID and
// reports how many peers accepted it. Dispatch goroutine only.
func (c *Coordinator) broadcast(roomID string, frame wsFrame, exceptConnID string) int {
	delivered := 0
	for _, member := range c.registry.MembersOf(roomID) {
		if member.ConnID == exceptConnID {
			continue
		}
		s, ok := c.sessions[member.ConnID]
		if !ok || s.closed {
			continue
		}
		if s.peer.send(frame) {
			delivered++
		}
	}
	return delivered
}

// Connect registers a new connection acting as ident.
func (c *Coordinator) Connect(ctx context.Context, connID string, ident identity.Identity, p peer) (*session, error) {
	s := newSession(connID, ident, p)
	err := c.dispatch(ctx, func() {
		c.sessions[s.connID] = s
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Join moves s into roomID, leaving its previous room first.
//
// The joiner receives room:users before Join returns and room:history later,
// from a background fetch. Other members receive room:user-joined.
func (c *Coordinator) Join(ctx context.Context, s *session, roomID string) JoinResult {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return JoinResult{Error: "roomId is required"}
	}
	if utf8.RuneCountInString(roomID) > maxRoomIDRunes {
		return JoinResult{Error: "roomId must be at most 128 characters"}
	}

	var result JoinResult
	err := c.dispatch(ctx, func() {
		if s.closed {
			result = JoinResult{Error: "session is closed"}
			return
		}
		rejoin := s.roomID == roomID
		if s.roomID != "" && !rejoin {
			c.leaveCurrentRoom(s)
		}

		member := s.member()
		_, displaced := c.registry.Join(ctx, roomID, member)
		if displaced != nil {
			if other, ok := c.sessions[displaced.ConnID]; ok && other.roomID == roomID {
				other.roomID = ""
			}
		}
		s.roomID = roomID

		if !rejoin {
			c.presence.userJoined(roomID, member)
		}
		s.peer.send(newFrame(frameRoomUsers, roomUsersPayload{
			RoomID:    roomID,
			Users:     c.registry.MembersOf(roomID),
			UserCount: c.registry.MemberCount(roomID),
		}))
		result = JoinResult{Success: true}
		c.deliverHistory(s, roomID)
	})
	if err != nil {
		log.Printf("chat: join failed user=%q room=%q: %v", s.userID, roomID, err)
		return JoinResult{Error: "join failed"}
	}
	return result
}

// deliverHistory fetches recent history off the dispatch goroutine and sends
// it to s. Fetch failures degrade to an empty list.
func (c *Coordinator) deliverHistory(s *session, roomID string) {
	p := s.peer
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		messages := c.store.History(context.Background(), roomID)
		if messages == nil {
			messages = []storage.Message{}
		}
		p.send(newFrame(frameRoomHistory, roomHistoryPayload{RoomID: roomID, Messages: messages}))
	}()
}

// Leave removes s from roomID. It is a no-op unless roomID is the current room.
func (c *Coordinator) Leave(ctx context.Context, s *session, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	return c.dispatch(ctx, func() {
		if !s.inRoom() || s.roomID != roomID {
			return
		}
		c.leaveCurrentRoom(s)
	})
}

// leaveCurrentRoom runs the leave sequence for s. Dispatch goroutine only.
func (c *Coordinator) leaveCurrentRoom(s *session) {
	roomID := s.roomID
	s.roomID = ""
	member, ok := c.registry.Member(roomID, s.userID)
	if !ok || member.ConnID != s.connID {
		return
	}
	if _, survived := c.registry.Leave(roomID, s.userID); survived {
		c.presence.userLeft(roomID, member)
	}
}

// Send publishes content to the current room of s. It is ignored when s is
// not in a room or content is empty or too long.
func (c *Coordinator) Send(ctx context.Context, s *session, content string) error {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > maxMessageBodyRunes {
		return nil
	}
	return c.dispatch(ctx, func() {
		if !s.inRoom() {
			return
		}
		c.pipeline.send(s.roomID, s, content)
	})
}

// Typing forwards a typing signal to the other members of the current room.
func (c *Coordinator) Typing(ctx context.Context, s *session, started bool) error {
	return c.dispatch(ctx, func() {
		if !s.inRoom() {
			return
		}
		c.presence.typing(s.roomID, s.member(), started)
	})
}

// Disconnect runs the leave sequence and releases s.
func (c *Coordinator) Disconnect(ctx context.Context, s *session) error {
	return c.dispatch(ctx, func() {
		if s.closed {
			return
		}
		if s.roomID != "" {
			c.leaveCurrentRoom(s)
		}
		s.closed = true
		delete(c.sessions, s.connID)
	})
}

// Rooms summarizes the live rooms.
func (c *Coordinator) Rooms(ctx context.Context) ([]rooms.Summary, error) {
	var summaries []rooms.Summary
	err := c.dispatch(ctx, func() {
		summaries = c.registry.AllRooms()
	})
	return summaries, err
}
