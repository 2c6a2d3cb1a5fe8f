package chat

import "encoding/json"

// Client → server.
const (
	EventJoin   = "conversation.join"
	EventLeave  = "conversation.leave"
	EventRead   = "conversation.read"
	EventSend   = "message.send"
	EventEdit   = "message.edit"
	EventDelete = "message.delete"
)

// Server → client.
const (
	EventMessageNew     = "message.new"
	EventMessageAck     = "message.ack"
	EventMessageUpdated = "message.updated"
	EventMessageDeleted = "message.deleted"
	EventJoined         = "conversation.joined"
	EventLeft           = "conversation.left"
	EventOnline         = "presence.online"
	EventOffline        = "presence.offline"
	EventError          = "error"
)

// Frame is the JSON envelope on the websocket in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ConversationPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

type SendPayload struct {
	ConversationID int64       `json:"conversation_id"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind,omitempty"`
	// ClientRef is echoed back in the ack so clients can match their local echo.
	ClientRef string `json:"client_ref,omitempty"`
}

type EditPayload struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type DeletePayload struct {
	MessageID int64 `json:"message_id"`
}

type MessagePayload struct {
	Message   *Message `json:"message"`
	ClientRef string   `json:"client_ref,omitempty"`
}

type MembershipPayload struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
	Role           Role  `json:"role,omitempty"`
}

type PresencePayload struct {
	UserID int64 `json:"user_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// EncodeFrame marshals a server frame. Payload types are all plain structs,
// so marshaling cannot fail in practice.
func EncodeFrame(typ string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	out, _ := json.Marshal(Frame{Type: typ, Payload: raw})
	return out
}
