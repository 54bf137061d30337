package realtime

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/suPer8Hu/foodcircle/internal/chat"
)

// Outcome says what happened to a single targeted notification.
type Outcome int

const (
	Delivered Outcome = iota
	RecipientOffline
	RecipientInRoom
	SelfConnection
	Dropped
	RecipientUnknown
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case RecipientOffline:
		return "recipient_offline"
	case RecipientInRoom:
		return "recipient_in_room"
	case SelfConnection:
		return "self_connection"
	case Dropped:
		return "dropped"
	case RecipientUnknown:
		return "recipient_unknown"
	default:
		return "unknown"
	}
}

// Notice is the per-recipient result of NotifyNewMessage.
type Notice struct {
	UserID  string
	Outcome Outcome
}

// Dispatcher delivers out-of-room events. Nothing is queued for offline users.
type Dispatcher struct {
	registry   *Registry
	sessions   *SessionTable
	router     *Router
	previewLen int
	log        *slog.Logger
}

func NewDispatcher(registry *Registry, sessions *SessionTable, router *Router, previewLen int, logger *slog.Logger) *Dispatcher {
	if previewLen <= 0 {
		previewLen = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:   registry,
		sessions:   sessions,
		router:     router,
		previewLen: previewLen,
		log:        logger,
	}
}

// Preview cuts body to n runes, adding "..." when something was cut.
func Preview(body string, n int) string {
	if utf8.RuneCountInString(body) <= n {
		return body
	}
	runes := []rune(body)
	return string(runes[:n]) + "..."
}

// NotifyNewMessage alerts every other participant of m's room who is online but not
// currently in the room. A room whose peers cannot be resolved yields a single
// RecipientUnknown notice with an empty user id.
func (d *Dispatcher) NotifyNewMessage(ctx context.Context, m *chat.Message, senderConnID string) []Notice {
	recipients := d.router.OtherParticipants(ctx, m.RoomID, m.SenderID)
	if len(recipients) == 0 {
		d.log.Info("no recipient for new message notification", "room_id", m.RoomID, "user_id", m.SenderID)
		return []Notice{{Outcome: RecipientUnknown}}
	}

	frame, err := Encode(EventNewMessageNotice, NewMessageNotice{
		RoomID:     m.RoomID,
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Preview:    Preview(m.Body, d.previewLen),
		CreatedAt:  m.CreatedAt,
	})
	if err != nil {
		d.log.Error("encode notification failed", "room_id", m.RoomID, "error", err)
		return nil
	}

	out := make([]Notice, 0, len(recipients))
	for _, uid := range recipients {
		o := d.notifyUser(uid, m.RoomID, senderConnID, frame)
		d.log.Debug("new message notification", "room_id", m.RoomID, "user_id", uid, "outcome", o.String())
		out = append(out, Notice{UserID: uid, Outcome: o})
	}
	return out
}

func (d *Dispatcher) notifyUser(userID, roomID, senderConnID string, frame []byte) Outcome {
	e, ok := d.registry.LookupUser(userID)
	if !ok {
		return RecipientOffline
	}
	if e.ConnID == senderConnID {
		return SelfConnection
	}
	s, ok := d.sessions.Get(e.ConnID)
	if !ok {
		return RecipientOffline
	}
	if s.InRoom(roomID) {
		return RecipientInRoom
	}
	if !s.deliver(frame) {
		return Dropped
	}
	return Delivered
}

// NotifyUser sends an arbitrary event to one user's current connection.
func (d *Dispatcher) NotifyUser(userID, event string, payload any) Outcome {
	e, ok := d.registry.LookupUser(userID)
	if !ok {
		return RecipientOffline
	}
	s, ok := d.sessions.Get(e.ConnID)
	if !ok {
		return RecipientOffline
	}
	frame, err := Encode(event, payload)
	if err != nil {
		d.log.Error("encode notification failed", "event", event, "error", err)
		return Dropped
	}
	if !s.deliver(frame) {
		return Dropped
	}
	return Delivered
}

// NotifyBroadcast delivers to every connected session except exceptConnID and
// returns how many accepted the frame.
func (d *Dispatcher) NotifyBroadcast(event string, payload any, exceptConnID string) int {
	frame, err := Encode(event, payload)
	if err != nil {
		d.log.Error("encode broadcast failed", "event", event, "error", err)
		return 0
	}
	n := 0
	for _, s := range d.sessions.Snapshot() {
		if s.id == exceptConnID {
			continue
		}
		if s.deliver(frame) {
			n++
		}
	}
	return n
}
