package server

import "github.com/louisbranch/chatroom/internal/services/chat/rooms"

// fanout delivers a frame to the members of a room, skipping one connection.
type fanout interface {
	broadcast(roomID string, frame wsFrame, exceptConnID string) int
}

// presenceBroadcaster announces membership and typing changes. It runs on the
// dispatch goroutine, after the registry mutation it reports on.
type presenceBroadcaster struct {
	registry *rooms.Registry
	out      fanout
}

func (p presenceBroadcaster) userJoined(roomID string, member rooms.Member) {
	p.out.broadcast(roomID, newFrame(frameUserJoined, presencePayload{
		UserID:      member.UserID,
		DisplayName: member.DisplayName,
		UserCount:   p.registry.MemberCount(roomID),
	}), member.ConnID)
}

// userLeft notifies the remaining members. Nobody is told when the room was
// deleted with its last member.
func (p presenceBroadcaster) userLeft(roomID string, member rooms.Member) {
	p.out.broadcast(roomID, newFrame(frameUserLeft, presencePayload{
		UserID:      member.UserID,
		DisplayName: member.DisplayName,
		UserCount:   p.registry.MemberCount(roomID),
	}), member.ConnID)
}

func (p presenceBroadcaster) typing(roomID string, member rooms.Member, started bool) {
	frameType := frameTypingStopped
	if started {
		frameType = frameTypingStarted
	}
	p.out.broadcast(roomID, newFrame(frameType, typingPayload{
		UserID:      member.UserID,
		DisplayName: member.DisplayName,
	}), member.ConnID)
}
