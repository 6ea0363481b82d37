package models

import "encoding/json"

// EventType names one message variant of the collaboration protocol.
// The set is closed: anything else is rejected at the transport boundary.
type EventType string

const (
	// Inbound
	EventJoin        EventType = "join"
	EventTextChange  EventType = "text-change"
	EventTitleChange EventType = "title-change"
	EventCursorMove  EventType = "cursor-move"

	// Outbound
	EventDocumentLoaded EventType = "document-loaded"
	EventUserJoined     EventType = "user-joined"
	EventUserList       EventType = "user-list"
	EventUserLeft       EventType = "user-left"
	EventError          EventType = "error"
)

// Envelope is the minimal frame decoded first to dispatch on type.
type Envelope struct {
	Type EventType `json:"type"`
}

// Inbound payloads. Fields are validated before the event reaches the
// engine; a failed validation rejects the event without mutating state.

type JoinPayload struct {
	DocumentID string `json:"documentId" validate:"required"`
	UserName   string `json:"userName" validate:"required"`
	UserID     string `json:"userId"`
}

type TextChangePayload struct {
	DocumentID string `json:"documentId" validate:"required"`
	// Delta is the incremental edit; Content the client's post-apply
	// snapshot, stored verbatim as the new authoritative content.
	Delta   json.RawMessage `json:"delta" validate:"required"`
	Source  string          `json:"source"`
	Content string          `json:"content"`
}

type TitleChangePayload struct {
	DocumentID string `json:"documentId" validate:"required"`
	Title      string `json:"title" validate:"required"`
}

type CursorPosition struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

type CursorMovePayload struct {
	DocumentID string         `json:"documentId" validate:"required"`
	Position   CursorPosition `json:"position"`
}

// Outbound messages. Each carries its own type tag so it can be written
// to the socket as-is.

type DocumentLoadedMessage struct {
	Type       EventType      `json:"type"`
	DocumentID string         `json:"documentId"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Deltas     []ChangeRecord `json:"deltas"`
}

type UserJoinedMessage struct {
	Type         EventType `json:"type"`
	ConnectionID string    `json:"connectionId"`
	UserName     string    `json:"userName"`
}

type UserListMessage struct {
	Type  EventType         `json:"type"`
	Users map[string]string `json:"users"`
}

type TextChangeMessage struct {
	Type         EventType       `json:"type"`
	ConnectionID string          `json:"connectionId"`
	Delta        json.RawMessage `json:"delta"`
	Content      string          `json:"content"`
}

type TitleChangeMessage struct {
	Type  EventType `json:"type"`
	Title string    `json:"title"`
}

type CursorMoveMessage struct {
	Type         EventType      `json:"type"`
	ConnectionID string         `json:"connectionId"`
	Position     CursorPosition `json:"position"`
}

type UserLeftMessage struct {
	Type         EventType `json:"type"`
	ConnectionID string    `json:"connectionId"`
	UserName     string    `json:"userName"`
}

type ErrorMessage struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}
