// Package protocol defines the envelope format and event names carried over
// the signaling socket.
package protocol

import "encoding/json"

// Event names understood by the signaling server.
const (
	EventAuthLogin   = "auth:login"
	EventAuthMe      = "auth:me"
	EventChatList    = "chat:list"
	EventChatCreated = "chat:created"
	EventChatUpdated = "chat:updated"
	EventUserList    = "user:list"
	EventMessageSend = "message:send"
	EventMessageRecv = "message:receive"
	EventSignal      = "rtc:signal"
	EventPresence    = "presence:update"
	EventError       = "error"
)

// Envelope is one frame on the wire: {"event": <name>, "data": <payload>}.
// Data is kept raw so each subscriber decodes only what it needs.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ErrorPayload is the data of an "error" event. Event names the request
// that failed.
type ErrorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event"`
}

func (e *ErrorPayload) Error() string {
	if e.Event == "" {
		return "server error: " + e.Message
	}
	return e.Event + ": " + e.Message
}
