package models

import (
	"encoding/json"
	"time"
)

type FrameType string

const (
	FrameSnapshot      FrameType = "snapshot"
	FrameDocument      FrameType = "document"
	FramePresenceJoin  FrameType = "presence_join"
	FramePresenceLeave FrameType = "presence_leave"
	FrameEvent         FrameType = "event"
	FrameAck           FrameType = "ack"
	FrameError         FrameType = "error"
	FrameRoomReset     FrameType = "room_reset"
	FrameKicked        FrameType = "kicked"
)

// Frame is one server to client message on a connection's stream.
type Frame struct {
	Type         FrameType       `json:"type"`
	RoomID       string          `json:"room_id"`
	Revision     int64           `json:"revision,omitempty"`
	Content      *string         `json:"content,omitempty"`
	Author       string          `json:"author,omitempty"`
	Self         *Participant    `json:"self,omitempty"`
	Participants []PresenceEntry `json:"participants,omitempty"`
	Participant  *PresenceEntry  `json:"participant,omitempty"`
	Event        *Event          `json:"event,omitempty"`
	Error        string          `json:"error,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Ephemeral frames may be dropped for a receiver that cannot keep up.
func (f Frame) Ephemeral() bool {
	return f.Type == FrameEvent
}

type EventType string

const (
	EventChat        EventType = "chat"
	EventCursor      EventType = "cursor"
	EventVoiceJoined EventType = "voice_joined"
)

// Event is an ephemeral room message. It is never persisted.
type Event struct {
	ID           string          `json:"id"`
	Type         EventType       `json:"type"`
	RoomID       string          `json:"room_id"`
	ConnectionID string          `json:"connection_id"`
	UserID       string          `json:"user_id"`
	DisplayName  string          `json:"display_name"`
	Text         string          `json:"text,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

type ClientMessageType string

const (
	ClientDocSubmit ClientMessageType = "doc_submit"
	ClientChat      ClientMessageType = "chat"
	ClientCursor    ClientMessageType = "cursor"
	ClientLeave     ClientMessageType = "leave"
)

// ClientMessage is one client to server message.
type ClientMessage struct {
	Type         ClientMessageType `json:"type"`
	BaseRevision int64             `json:"base_revision,omitempty"`
	Content      string            `json:"content,omitempty"`
	Text         string            `json:"text,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
}

// DocumentUpdate is the result of an accepted submission.
type DocumentUpdate struct {
	Revision int64  `json:"revision"`
	Content  string `json:"content"`
	Author   string `json:"author"`
}
