package ws

import (
	"encoding/json"

	"github.com/coscribe/backend/internal/store"
)

// Client-to-server event types.
const (
	EventJoin              = "join"
	EventLeave             = "leave"
	EventUpdate            = "update"
	EventSyncRequest       = "sync_request"
	EventAwareness         = "awareness"
	EventChat              = "chat"
	EventAISuggest         = "ai_suggest"
	EventAICancel          = "ai_cancel"
	EventResolveSuggestion = "resolve_suggestion"
)

// Server-to-client event types.
const (
	EventSyncResponse = "sync_response"
	EventError        = "error"
)

// Envelope is the frame every client message arrives in. Only the fields
// relevant to Type are set.
type Envelope struct {
	Type string `json:"type"`

	RoomID string `json:"room_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Color  string `json:"color,omitempty"`

	Update      []byte `json:"update,omitempty"`
	StateVector []byte `json:"state_vector,omitempty"`

	Message    string `json:"message,omitempty"`
	AskAI      bool   `json:"ask_ai,omitempty"`
	Visibility string `json:"visibility,omitempty"`

	Awareness json.RawMessage `json:"awareness,omitempty"`

	Instruction string `json:"instruction,omitempty"`
	Anchor      int    `json:"anchor,omitempty"`
	Head        int    `json:"head,omitempty"`

	StreamID     string `json:"stream_id,omitempty"`
	SuggestionID string `json:"suggestion_id,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
}

// UpdateEvent relays a document edit to room members.
type UpdateEvent struct {
	Type       string `json:"type"`
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	Update     []byte `json:"update"`
}

// SyncResponseEvent carries the operations a client is missing.
type SyncResponseEvent struct {
	Type        string `json:"type"`
	DocumentID  string `json:"document_id"`
	Update      []byte `json:"update"`
	StateVector []byte `json:"state_vector,omitempty"`
}

// ChatEvent relays a persisted chat message to room members.
type ChatEvent struct {
	Type string `json:"type"`
	store.ChatMessage
}

// AwarenessEvent relays ephemeral presence payloads (cursors, selections)
// without persisting them.
type AwarenessEvent struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"document_id"`
	UserID     string          `json:"user_id"`
	Awareness  json.RawMessage `json:"awareness"`
}

// ErrorEvent reports a rejected client event.
type ErrorEvent struct {
	Type    string `json:"type"`
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
