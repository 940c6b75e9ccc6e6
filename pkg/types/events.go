package types

import (
	"encoding/json"
	"time"
)

// Client to server events
const (
	EventJoinChat    = "join_chat"
	EventLeaveChat   = "leave_chat"
	EventSendMessage = "send_message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventMarkRead    = "mark_messages_read"
	EventPing        = "ping"
)

// Server to client events
const (
	EventConnected      = "connected"
	EventChatJoined     = "chat_joined"
	EventNewMessage     = "new_message"
	EventMessageSent    = "message_sent"
	EventMessagesRead   = "messages_read"
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
	EventUserOffline    = "user_offline"
	EventError          = "error"
	EventPong           = "pong"
	EventNotification   = "notification"
)

// Personal-channel notification kinds
const (
	NotificationChatRequest     = "chat_request"
	NotificationChatAccepted    = "chat_accepted"
	NotificationCaseChatCreated = "case_chat_created"
)

// Error codes carried on error events
const (
	CodeBadRequest    = "bad_request"
	CodeAccessDenied  = "access_denied"
	CodeValidation    = "validation"
	CodeRateLimited   = "rate_limited"
	CodeRoomNotActive = "room_not_active"
	CodePersistence   = "persistence"
)

// Envelope is the wire frame for every event in both directions
// ARCHITECTURAL DISCOVERY: Data stays raw until the handler for Event is chosen
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event
func NewEnvelope(event string, data interface{}) (*Envelope, error) {
	env := &Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the envelope payload into v
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return ErrInvalidPayload
	}
	return nil
}

// RoomRequest is the payload of join_chat, leave_chat and the typing events
type RoomRequest struct {
	RoomKey string `json:"roomKey"`
}

// SendMessageRequest is the payload of send_message
type SendMessageRequest struct {
	RoomKey string `json:"roomKey"`
	Content string `json:"content"`
	TempID  string `json:"tempId,omitempty"`
	Type    string `json:"type,omitempty"`
}

// MarkReadRequest is the payload of mark_messages_read
type MarkReadRequest struct {
	RoomKey    string   `json:"roomKey"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// Connected greets a freshly authenticated connection
type Connected struct {
	UserID      string `json:"userId"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

// ChatJoined confirms a join
type ChatJoined struct {
	RoomKey string `json:"roomKey"`
	Success bool   `json:"success"`
}

// SenderSummary identifies the author of a broadcast message
type SenderSummary struct {
	UserID      string `json:"userId"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

// NewMessage is the broadcast copy of a persisted message
type NewMessage struct {
	ID        string        `json:"id"`
	RoomKey   string        `json:"roomKey"`
	Content   string        `json:"content"`
	Type      string        `json:"type"`
	Seq       int64         `json:"seq"`
	CreatedAt time.Time     `json:"createdAt"`
	Sender    SenderSummary `json:"sender"`
	TempID    string        `json:"tempId,omitempty"`
}

// NewMessageFrom builds the broadcast payload for a persisted message
func NewMessageFrom(msg *Message, sender Identity, tempID string) NewMessage {
	return NewMessage{
		ID:        msg.ID,
		RoomKey:   msg.RoomKey,
		Content:   msg.Content,
		Type:      msg.Type,
		Seq:       msg.Seq,
		CreatedAt: msg.CreatedAt,
		Sender: SenderSummary{
			UserID:      sender.UserID,
			Role:        sender.Role,
			DisplayName: sender.DisplayName,
		},
		TempID: tempID,
	}
}

// MessageSent is the delivery confirmation sent only to the sender
type MessageSent struct {
	MessageID string    `json:"messageId"`
	TempID    string    `json:"tempId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RoomKey   string    `json:"roomKey"`
}

// MessagesRead announces that ReadBy advanced their cursor
type MessagesRead struct {
	RoomKey   string `json:"roomKey"`
	ReadBy    string `json:"readBy"`
	MessageID string `json:"messageId,omitempty"`
}

// UserEvent carries typing and presence changes
type UserEvent struct {
	RoomKey string `json:"roomKey"`
	UserID  string `json:"userId"`
}

// ErrorEvent reports an event-level failure to the initiating connection
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	RoomKey string `json:"roomKey,omitempty"`
	TempID  string `json:"tempId,omitempty"`
}

// Notification is an out-of-band event on a user's personal channel
type Notification struct {
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
