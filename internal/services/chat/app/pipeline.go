package server

import (
	"context"
	"sync"
	"time"

	"github.com/louisbranch/chatroom/internal/platform/id"
	"github.com/louisbranch/chatroom/internal/services/chat/storage"
)

// messagePipeline stamps, persists and broadcasts chat messages.
//
// Persistence runs detached and is never awaited; broadcast happens on the
// dispatch goroutine so per-room delivery order matches send order.
type messagePipeline struct {
	store       messageSaver
	out         fanout
	now         func() time.Time
	onPersisted func(storage.Message, bool)
	inflight    *sync.WaitGroup
}

type messageSaver interface {
	SaveMessage(ctx context.Context, msg storage.Message) bool
}

func (p messagePipeline) send(roomID string, s *session, content string) storage.Message {
	at := p.now()
	msg := storage.Message{
		MessageID:   id.NewMessageID(at),
		RoomID:      roomID,
		Timestamp:   at.UnixMilli(),
		UserID:      s.userID,
		DisplayName: s.displayName,
		Content:     content,
	}

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		// The gateway logs its own failures.
		ok := p.store.SaveMessage(context.Background(), msg)
		if p.onPersisted != nil {
			p.onPersisted(msg, ok)
		}
	}()

	p.out.broadcast(roomID, newFrame(frameMessageNew, msg), "")
	return msg
}
