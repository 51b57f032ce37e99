// Package wire defines the WebSocket frames exchanged between the daemon and
// remote clients. Frames are flat JSON objects discriminated by the "type"
// field; unused fields are omitted.
package wire

import (
	"encoding/json"
	"errors"

	"github.com/uplinkd/uplink/pkg/protocol"
)

// MessageType identifies a frame. Client frames with unknown types are
// silently ignored by the server; clients should likewise skip unknown
// server frames.
type MessageType string

// Client -> server frames.
const (
	TypeAuth             MessageType = "auth"
	TypePing             MessageType = "ping"
	TypeSubscribe        MessageType = "subscribe"
	TypeUnsubscribe      MessageType = "unsubscribe"
	TypeCommand          MessageType = "command"
	TypeStartSession     MessageType = "start_session"
	TypeTerminateSession MessageType = "terminate_session"
)

// Server -> client frames.
const (
	TypeAuthSuccess     MessageType = "auth_success"
	TypeAuthError       MessageType = "auth_error"
	TypePong            MessageType = "pong"
	TypeSessionsList    MessageType = "sessions_list"
	TypeACPEvent        MessageType = "acp_event"
	TypeHistoryComplete MessageType = "history_complete"
	TypeError           MessageType = "error"
)

// WebSocket close codes used during the auth handshake.
const (
	CloseAuthTimeout = 4001
	CloseAuthFailed  = 4002
)

// Error codes carried in error frames.
const (
	ErrorNotAuthenticated = "NOT_AUTHENTICATED"
	ErrorInvalidMessage   = "INVALID_MESSAGE"
	ErrorInternal         = "INTERNAL_ERROR"
)

// Error codes carried in session:error and tool:error events.
const (
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
	ErrorAgentNotFound   = "AGENT_NOT_FOUND"
	ErrorSpawnError      = "SPAWN_ERROR"
	ErrorProcessError    = "PROCESS_ERROR"
	ErrorToolError       = "TOOL_ERROR"
)

// Message is the union of all frames. Type is the discriminant; the other
// fields apply per type and marshal only when set.
type Message struct {
	Type MessageType `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// subscribe / unsubscribe. A subscribe with SessionIDs omitted means
	// "all sessions"; omitzero keeps an explicit empty list distinct from
	// an absent one.
	SessionIDs []string `json:"sessionIds,omitzero"`

	// command / terminate_session / history_complete
	SessionID string            `json:"sessionId,omitempty"`
	Command   *protocol.Command `json:"command,omitempty"`

	// start_session
	Agent       string `json:"agent,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
	Prompt      string `json:"prompt,omitempty"`

	// auth_success
	Capabilities []protocol.Capabilities `json:"capabilities,omitzero"`

	// sessions_list
	Sessions []protocol.Session `json:"sessions,omitzero"`

	// acp_event
	Event *protocol.Event `json:"event,omitempty"`

	// error / auth_error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes a raw frame.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Type == "" {
		return nil, errors.New("missing message type")
	}
	return &m, nil
}

// NewError builds an error frame.
func NewError(code, message string) *Message {
	return &Message{Type: TypeError, Code: code, Message: message}
}

// NewACPEvent wraps a normalized event for broadcast.
func NewACPEvent(event protocol.Event) *Message {
	return &Message{Type: TypeACPEvent, Event: &event}
}

// NewSessionsList builds the full session roster frame. A nil slice is sent
// as an empty list so clients always receive a "sessions" field.
func NewSessionsList(sessions []protocol.Session) *Message {
	if sessions == nil {
		sessions = []protocol.Session{}
	}
	return &Message{Type: TypeSessionsList, Sessions: sessions}
}
