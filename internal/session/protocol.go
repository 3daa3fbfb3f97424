package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Client message types.
const (
	TypeAuth = "auth"
	TypeChat = "chat"
	TypeStop = "stop"
	TypePing = "ping"
)

// Server message types.
const (
	TypeConnected     = "connected"
	TypeAuthenticated = "authenticated"
	TypeChunk         = "chunk"
	TypeError         = "error"
	TypeUsage         = "usage"
	TypePong          = "pong"
)

// Error messages sent to clients. They are part of the wire contract.
const (
	msgInvalidFormat      = "Invalid message format"
	msgNotAuthenticated   = "Not authenticated"
	msgTokenLimitExceeded = "Token limit exceeded"
	msgInternalError      = "Internal error"
	msgConversationFailed = "Failed to create conversation"
	msgStreamStartFailed  = "Failed to start stream"
	msgStreamError        = "Stream error"
	msgDuplicateRequest   = "Request already in progress"
)

var errInvalidMessage = errors.New("invalid client message")

// AuthMessage presents a bearer token.
type AuthMessage struct {
	Token string `json:"token"`
}

// ChatMessage asks for a streamed completion of Message.
type ChatMessage struct {
	Message        string   `json:"message"`
	Model          string   `json:"model,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"maxTokens,omitempty"`
	RequestID      string   `json:"requestId,omitempty"`
}

// StopMessage cancels the named request, or the most recent one when
// RequestID is empty.
type StopMessage struct {
	RequestID string `json:"requestId,omitempty"`
}

// ClientMessage is one decoded client frame. Exactly one of the payload
// fields is set for auth, chat and stop; ping carries none.
type ClientMessage struct {
	Type string
	Auth *AuthMessage
	Chat *ChatMessage
	Stop *StopMessage
}

// DecodeClientMessage parses a client frame. Unknown types and frames that
// lack a required field are rejected.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	if !gjson.ValidBytes(data) {
		return ClientMessage{}, fmt.Errorf("%w: malformed JSON", errInvalidMessage)
	}
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String {
		return ClientMessage{}, fmt.Errorf("%w: missing type", errInvalidMessage)
	}

	msg := ClientMessage{Type: typ.String()}
	switch msg.Type {
	case TypeAuth:
		if !gjson.GetBytes(data, "token").Exists() {
			return ClientMessage{}, fmt.Errorf("%w: auth without token", errInvalidMessage)
		}
		msg.Auth = &AuthMessage{}
		if err := json.Unmarshal(data, msg.Auth); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
		}
	case TypeChat:
		if !gjson.GetBytes(data, "message").Exists() {
			return ClientMessage{}, fmt.Errorf("%w: chat without message", errInvalidMessage)
		}
		msg.Chat = &ChatMessage{}
		if err := json.Unmarshal(data, msg.Chat); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
		}
	case TypeStop:
		msg.Stop = &StopMessage{}
		if err := json.Unmarshal(data, msg.Stop); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", errInvalidMessage, err)
		}
	case TypePing:
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown type %q", errInvalidMessage, msg.Type)
	}
	return msg, nil
}

// Connected is the first event of every session.
type Connected struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Authenticated confirms a successful auth message.
type Authenticated struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// Chunk carries one delta of assistant output. The terminal chunk of a
// request has empty Content and FinishReason "stop".
type Chunk struct {
	Type         string `json:"type"`
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finishReason,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
}

// Error reports a failure. It never closes the connection.
type Error struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// UsageReport is sent once per request after its usage is recorded.
type UsageReport struct {
	Type             string `json:"type"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	RemainingDaily   int64  `json:"remainingDaily"`
	RemainingMonthly int64  `json:"remainingMonthly"`
	RequestID        string `json:"requestId,omitempty"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

func connectedEvent(sessionID string) Connected {
	return Connected{Type: TypeConnected, SessionID: sessionID}
}

func authenticatedEvent(userID string) Authenticated {
	return Authenticated{Type: TypeAuthenticated, UserID: userID}
}

func chunkEvent(content, model, requestID string) Chunk {
	return Chunk{Type: TypeChunk, Content: content, Model: model, RequestID: requestID}
}

func finalChunkEvent(model, requestID string) Chunk {
	c := chunkEvent("", model, requestID)
	c.FinishReason = "stop"
	return c
}

func errorEvent(message, requestID string) Error {
	return Error{Type: TypeError, Message: message, RequestID: requestID}
}

func pongEvent() Pong {
	return Pong{Type: TypePong}
}
