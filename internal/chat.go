package internal

import (
	"encoding/json"
	"strings"

	"roomchat/internal/storage"
)

// EventType names a realtime event pushed to sessions.
type EventType string

const (
	EventNewMessage EventType = "newMessage"
	EventTyping     EventType = "typing"
	EventStopTyping EventType = "stopTyping"
	EventHistory    EventType = "history"
	EventJoined     EventType = "joined"
	EventLeft       EventType = "left"
	EventError      EventType = "error"
)

// Event is the server -> client envelope on the websocket.
type Event struct {
	Type     EventType         `json:"type"`
	Room     string            `json:"room,omitempty"`
	Username string            `json:"username,omitempty"`
	Message  *storage.Message  `json:"message,omitempty"`
	Messages []storage.Message `json:"messages,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// client -> server frame types
const (
	FrameJoinRoom    = "joinRoom"
	FrameLeaveRoom   = "leaveRoom"
	FrameTyping      = "typing"
	FrameStopTyping  = "stopTyping"
	FrameSendMessage = "sendMessage"
)

// Frame is the client -> server envelope on the websocket.
type Frame struct {
	Type     string       `json:"type"`
	Room     string       `json:"room"`
	Username string       `json:"username,omitempty"`
	Message  *PostRequest `json:"message,omitempty"`
}

// PostRequest is the body of a post, over HTTP or inside a sendMessage frame.
type PostRequest struct {
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
	Type     string `json:"type,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
}

func (p PostRequest) toMessage() storage.Message {
	return storage.Message{
		Username: p.Username,
		Body:     p.Message,
		Kind:     storage.Kind(strings.TrimSpace(p.Type)),
		FileURL:  p.FileURL,
	}
}

func encodeEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}
