package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Client -> server events.
const (
	EventIdentify    = "identify"
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventSend        = "send"
	EventTypingStart = "typingStart"
	EventTypingStop  = "typingStop"
	EventMarkRead    = "markRead"
)

// Server -> client events.
const (
	EventUserOnline       = "user_online"
	EventUserOffline      = "user_offline"
	EventActiveUsers      = "active_users"
	EventRoomJoined       = "room_joined"
	EventRoomLeft         = "room_left"
	EventReceiveMessage   = "receive_message"
	EventUserTyping       = "user_typing"
	EventNewMessageNotice = "new_message_notification"
	EventMessagesRead     = "messages_read"
	EventError            = "error"
	EventFoodNotification = "food_notification"
	EventRequestStatus    = "request_status_updated"
)

// snake_case names used by older clients.
var eventAliases = map[string]string{
	"join":               EventIdentify,
	"user_join":          EventIdentify,
	"join_room":          EventJoinRoom,
	"leave_room":         EventLeaveRoom,
	"send_message":       EventSend,
	"typing_start":       EventTypingStart,
	"typing_stop":        EventTypingStop,
	"mark_read":          EventMarkRead,
	"mark_messages_read": EventMarkRead,
}

// IsNotificationEvent reports whether name may be pushed by the domain layer
// (REST or the notification queue) rather than by the chat core.
func IsNotificationEvent(name string) bool {
	switch name {
	case EventFoodNotification, EventRequestStatus:
		return true
	}
	return false
}

func canonicalEvent(name string) string {
	name = strings.TrimSpace(name)
	if alias, ok := eventAliases[name]; ok {
		return alias
	}
	return name
}

var validate = validator.New()

// Frame is the wire envelope in both directions: {"event": "...", "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func Encode(event string, data any) ([]byte, error) {
	return json.Marshal(outFrame{Event: event, Data: data})
}

func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(f.Event) == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ErrInvalidPayload)
	}
	return f, nil
}

func decodePayload(data json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

type Identity struct {
	UserID    string `json:"userId" validate:"required,max=128"`
	UserName  string `json:"userName" validate:"max=128"`
	UserEmail string `json:"userEmail" validate:"max=191"`
	UserImage string `json:"userImage" validate:"max=512"`
}

type JoinRoomPayload struct {
	RoomID         string   `json:"roomId" validate:"required,max=191"`
	ParticipantIDs []string `json:"participantIds,omitempty" validate:"max=16,dive,required,max=128"`
}

// decodeJoinRoom also accepts a bare JSON string, which is what older clients send.
func decodeJoinRoom(data json.RawMessage) (JoinRoomPayload, error) {
	var p JoinRoomPayload
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &p.RoomID); err != nil {
			return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err := validate.Struct(p); err != nil {
			return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	}
	err := decodePayload(data, &p)
	return p, err
}

type SendPayload struct {
	RoomID      string `json:"roomId" validate:"required,max=191"`
	SenderID    string `json:"senderId" validate:"max=128"`
	SenderName  string `json:"senderName" validate:"max=128"`
	SenderImage string `json:"senderImage" validate:"max=512"`
	Message     string `json:"message" validate:"required,max=4096"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId" validate:"required,max=191"`
	UserName string `json:"userName" validate:"max=128"`
}

type MarkReadPayload struct {
	RoomID string `json:"roomId" validate:"required,max=191"`
	UserID string `json:"userId" validate:"max=128"`
}

// Outgoing payloads.

type UserOffline struct {
	UserID string `json:"userId"`
}

type RoomJoined struct {
	RoomID string `json:"roomId"`
}

type UserTyping struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

type NewMessageNotice struct {
	RoomID     string    `json:"roomId"`
	MessageID  uint64    `json:"messageId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Preview    string    `json:"preview"`
	CreatedAt  time.Time `json:"createdAt"`
}

type MessagesRead struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Count  int64  `json:"count"`
}

type ErrorEvent struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
