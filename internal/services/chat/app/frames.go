package server

import (
	"encoding/json"
	"log"

	"github.com/louisbranch/chatroom/internal/services/chat/rooms"
	"github.com/louisbranch/chatroom/internal/services/chat/storage"
)

// Inbound frame types.
const (
	frameRoomJoin    = "room:join"
	frameRoomLeave   = "room:leave"
	frameMessageSend = "message:send"
	frameTypingStart = "typing:start"
	frameTypingStop  = "typing:stop"
)

// Outbound frame types.
const (
	frameAck           = "ack"
	frameError         = "error"
	frameRoomUsers     = "room:users"
	frameRoomHistory   = "room:history"
	frameUserJoined    = "room:user-joined"
	frameUserLeft      = "room:user-left"
	frameMessageNew    = "message:new"
	frameTypingStarted = "typing:started"
	frameTypingStopped = "typing:stopped"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type sendPayload struct {
	Content string `json:"content"`
}

// JoinResult acknowledges a room:join request.
type JoinResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type roomUsersPayload struct {
	RoomID    string         `json:"roomId"`
	Users     []rooms.Member `json:"users"`
	UserCount int            `json:"userCount"`
}

type roomHistoryPayload struct {
	RoomID   string            `json:"roomId"`
	Messages []storage.Message `json:"messages"`
}

type presencePayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	UserCount   int    `json:"userCount"`
}

type typingPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func newFrame(frameType string, payload any) wsFrame {
	return wsFrame{Type: frameType, Payload: mustJSON(payload)}
}

func errorFrame(requestID, code, message string) wsFrame {
	frame := newFrame(frameError, wsError{Code: code, Message: message})
	frame.RequestID = requestID
	return frame
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("chat: marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
