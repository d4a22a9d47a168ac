package server

import (
	"github.com/louisbranch/chatroom/internal/services/chat/identity"
	"github.com/louisbranch/chatroom/internal/services/chat/rooms"
)

// session is the coordinator-owned state of one connection. Only the
// dispatch goroutine reads or writes it after connect.
//
// States: Connected with roomID == "", InRoom with roomID set, and
// Disconnected once closed is true.
type session struct {
	connID      string
	userID      string
	displayName string
	isGuest     bool
	roomID      string
	closed      bool
	peer        peer
}

func newSession(connID string, ident identity.Identity, p peer) *session {
	return &session{
		connID: connID,
		userID: ident.UserID,
		// Display names are the raw user id.
		displayName: ident.UserID,
		isGuest:     ident.IsGuest,
		peer:        p,
	}
}

func (s *session) member() rooms.Member {
	return rooms.Member{
		UserID:      s.userID,
		DisplayName: s.displayName,
		IsGuest:     s.isGuest,
		ConnID:      s.connID,
	}
}

func (s *session) inRoom() bool {
	return !s.closed && s.roomID != ""
}
