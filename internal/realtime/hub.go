package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/suPer8Hu/foodcircle/internal/chat"
	"github.com/suPer8Hu/foodcircle/internal/common"
)

// UserStore keeps user profiles and last-seen times.
type UserStore interface {
	UpsertUser(ctx context.Context, u *chat.User) error
	TouchLastSeen(ctx context.Context, userID string) error
}

type Options struct {
	SendBuffer    int
	PreviewLength int
	StoreTimeout  time.Duration

	// AllowJoinBeforeIdentify lets a Connected session join rooms, as some older
	// clients join before they identify.
	AllowJoinBeforeIdentify bool
}

// Hub owns the session lifecycle: connect -> identify -> join* -> disconnect.
// One Hub is created at server start and passed to every transport handler.
type Hub struct {
	opts Options
	log  *slog.Logger

	sessions   *SessionTable
	registry   *Registry
	router     *Router
	dispatcher *Dispatcher

	users  UserStore
	mirror PresenceMirror

	closed atomic.Bool
}

func NewHub(store MessageStore, users UserStore, mirror PresenceMirror, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	sessions := NewSessionTable()
	registry := NewRegistry()
	router := NewRouter(store, logger)
	return &Hub{
		opts:       opts,
		log:        logger,
		sessions:   sessions,
		registry:   registry,
		router:     router,
		dispatcher: NewDispatcher(registry, sessions, router, opts.PreviewLength, logger),
		users:      users,
		mirror:     mirror,
	}
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) Router() *Router { return h.router }

func (h *Hub) Dispatcher() *Dispatcher { return h.dispatcher }

func (h *Hub) Sessions() *SessionTable { return h.sessions }

// ActiveUsers lists online users, one per user id.
func (h *Hub) ActiveUsers(exclude string) []Identity {
	return lo.Map(h.registry.Active(exclude), func(e Entry, _ int) Identity { return e.Identity })
}

// storeCtx detaches persistence from the connection so a disconnect does not
// cancel a write already in flight.
func (h *Hub) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.opts.StoreTimeout)
}

// Connect creates a session in the Connected state. Nothing is announced yet.
func (h *Hub) Connect() (*Session, error) {
	if h.closed.Load() {
		return nil, ErrHubClosed
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	s := newSession(id, h.opts.SendBuffer)
	h.sessions.add(s)
	h.log.Debug("session connected", "conn_id", id)
	return s, nil
}

// Identify binds id to s, announces the user, and sends s the other online users.
func (h *Hub) Identify(ctx context.Context, s *Session, id Identity) error {
	id.UserID = strings.TrimSpace(id.UserID)
	if err := validate.Struct(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	prev, hadPrev, err := s.bind(id)
	if err != nil {
		return err
	}

	entry := h.registry.Identify(s.id, id)
	if s.State() == StateClosed {
		// lost a race with Disconnect; do not leave a dangling entry behind
		h.registry.Remove(s.id)
		return ErrSessionClosed
	}
	h.router.noteIdentity(s)

	if hadPrev && prev.UserID != id.UserID {
		if _, still := h.registry.LookupUser(prev.UserID); !still {
			h.dispatcher.NotifyBroadcast(EventUserOffline, UserOffline{UserID: prev.UserID}, s.id)
		}
	}

	h.dispatcher.NotifyBroadcast(EventUserOnline, id, s.id)
	s.deliverEvent(EventActiveUsers, h.ActiveUsers(id.UserID))

	h.log.Info("session identified", "conn_id", s.id, "user_id", id.UserID, "generation", entry.Generation)

	sctx, cancel := h.storeCtx(ctx)
	defer cancel()
	if h.users != nil {
		if err := h.users.UpsertUser(sctx, &chat.User{
			UserID:    id.UserID,
			UserName:  id.UserName,
			UserEmail: id.UserEmail,
			UserImage: id.UserImage,
		}); err != nil {
			h.log.Warn("upsert user failed", "user_id", id.UserID, "error", err)
		}
	}
	if h.mirror != nil {
		if err := h.mirror.SetOnline(sctx, entry); err != nil {
			h.log.Warn("presence mirror online failed", "user_id", id.UserID, "error", err)
		}
	}
	return nil
}

// JoinRoom adds s to the room and echoes room_joined. Joining twice is a no-op
// apart from the echo.
func (h *Hub) JoinRoom(s *Session, p JoinRoomPayload) error {
	if s.State() == StateConnected && !h.opts.AllowJoinBeforeIdentify {
		return ErrNotIdentified
	}
	roomID := strings.TrimSpace(p.RoomID)
	joined, err := h.router.Join(s, roomID, p.ParticipantIDs...)
	if err != nil {
		return err
	}
	if joined {
		h.log.Debug("room joined", "conn_id", s.id, "user_id", s.UserID(), "room_id", roomID,
			"members", h.router.MemberCount(roomID))
	}
	s.deliverEvent(EventRoomJoined, RoomJoined{RoomID: roomID})
	return nil
}

func (h *Hub) LeaveRoom(s *Session, roomID string) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	roomID = strings.TrimSpace(roomID)
	if h.router.Leave(s, roomID) {
		h.log.Debug("room left", "conn_id", s.id, "user_id", s.UserID(), "room_id", roomID,
			"members", h.router.MemberCount(roomID))
		s.deliverEvent(EventRoomLeft, RoomJoined{RoomID: roomID})
	}
	return nil
}

// Send persists and fans out a message, then alerts participants outside the room.
func (h *Hub) Send(ctx context.Context, s *Session, p SendPayload) (*chat.Message, []Notice, error) {
	id, ok := s.Identity()
	if !ok {
		if s.State() == StateClosed {
			return nil, nil, ErrSessionClosed
		}
		return nil, nil, ErrNotIdentified
	}
	if p.SenderID != "" && p.SenderID != id.UserID {
		return nil, nil, fmt.Errorf("%w: senderId does not match identified user", ErrInvalidPayload)
	}

	m := &chat.Message{
		RoomID:      strings.TrimSpace(p.RoomID),
		SenderID:    id.UserID,
		SenderName:  lo.Ternary(p.SenderName != "", p.SenderName, id.UserName),
		SenderImage: lo.Ternary(p.SenderImage != "", p.SenderImage, id.UserImage),
		Body:        p.Message,
	}

	sctx, cancel := h.storeCtx(ctx)
	defer cancel()

	delivered, err := h.router.Send(sctx, s, m)
	if err != nil {
		return nil, nil, err
	}
	notices := h.dispatcher.NotifyNewMessage(sctx, m, s.id)
	h.log.Debug("message sent", "conn_id", s.id, "user_id", id.UserID, "room_id", m.RoomID,
		"message_id", m.ID, "delivered", delivered)
	return m, notices, nil
}

func (h *Hub) Typing(s *Session, p TypingPayload, isTyping bool) error {
	id, ok := s.Identity()
	if !ok {
		return ErrNotIdentified
	}
	name := lo.Ternary(p.UserName != "", p.UserName, id.UserName)
	h.router.Typing(s, strings.TrimSpace(p.RoomID), name, isTyping)
	return nil
}

// MarkRead marks the room read on behalf of the session's user.
func (h *Hub) MarkRead(ctx context.Context, s *Session, p MarkReadPayload) (int64, error) {
	id, ok := s.Identity()
	if !ok {
		return 0, ErrNotIdentified
	}
	if p.UserID != "" && p.UserID != id.UserID {
		return 0, fmt.Errorf("%w: userId does not match identified user", ErrInvalidPayload)
	}
	return h.MarkRoomRead(ctx, p.RoomID, id.UserID)
}

// MarkRoomRead is the transport-independent bulk mark-read, shared with REST.
func (h *Hub) MarkRoomRead(ctx context.Context, roomID, readerID string) (int64, error) {
	readerID = strings.TrimSpace(readerID)
	if readerID == "" {
		return 0, ErrInvalidPayload
	}
	sctx, cancel := h.storeCtx(ctx)
	defer cancel()
	return h.router.MarkRead(sctx, strings.TrimSpace(roomID), readerID)
}

// Broadcast announces an event to every connected session.
func (h *Hub) Broadcast(event string, payload any) int {
	return h.dispatcher.NotifyBroadcast(event, payload, "")
}

// Disconnect closes s. Presence is cleared only when s is still the user's current
// connection; only then is user_offline announced. Calling it twice is harmless.
func (h *Hub) Disconnect(ctx context.Context, s *Session) {
	rooms, id, identified, ok := s.markClosed()
	if !ok {
		return
	}
	h.router.leaveAll(s.id, rooms)
	h.sessions.remove(s.id)

	if !identified {
		h.log.Debug("session closed before identify", "conn_id", s.id)
		return
	}

	entry, found, userGone := h.registry.Remove(s.id)
	h.log.Info("session disconnected", "conn_id", s.id, "user_id", id.UserID, "user_offline", userGone)
	if !found || !userGone {
		return
	}

	h.dispatcher.NotifyBroadcast(EventUserOffline, UserOffline{UserID: id.UserID}, s.id)

	sctx, cancel := h.storeCtx(ctx)
	defer cancel()
	if h.users != nil {
		if err := h.users.TouchLastSeen(sctx, id.UserID); err != nil {
			h.log.Warn("touch last seen failed", "user_id", id.UserID, "error", err)
		}
	}
	if h.mirror != nil {
		if err := h.mirror.SetOffline(sctx, entry); err != nil {
			h.log.Warn("presence mirror offline failed", "user_id", id.UserID, "error", err)
		}
	}
}

// Close disconnects every session. Connect fails afterwards.
func (h *Hub) Close(ctx context.Context) {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	for _, s := range h.sessions.Snapshot() {
		h.Disconnect(ctx, s)
	}
	h.log.Info("hub closed")
}

// Handle decodes one client frame and runs it. Failures go back to s as an error
// event and never affect other sessions.
func (h *Hub) Handle(ctx context.Context, s *Session, raw []byte) {
	f, err := DecodeFrame(raw)
	if err != nil {
		h.reject(s, "", err)
		return
	}

	event := canonicalEvent(f.Event)
	if err := h.dispatch(ctx, s, event, f); err != nil {
		h.reject(s, f.Event, err)
	}
}

func (h *Hub) dispatch(ctx context.Context, s *Session, event string, f Frame) error {
	switch event {
	case EventIdentify:
		var p Identity
		if err := decodePayload(f.Data, &p); err != nil {
			return err
		}
		return h.Identify(ctx, s, p)

	case EventJoinRoom:
		p, err := decodeJoinRoom(f.Data)
		if err != nil {
			return err
		}
		return h.JoinRoom(s, p)

	case EventLeaveRoom:
		p, err := decodeJoinRoom(f.Data)
		if err != nil {
			return err
		}
		return h.LeaveRoom(s, p.RoomID)

	case EventSend:
		var p SendPayload
		if err := decodePayload(f.Data, &p); err != nil {
			return err
		}
		_, _, err := h.Send(ctx, s, p)
		return err

	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if err := decodePayload(f.Data, &p); err != nil {
			return err
		}
		return h.Typing(s, p, event == EventTypingStart)

	case EventMarkRead:
		var p MarkReadPayload
		if err := decodePayload(f.Data, &p); err != nil {
			return err
		}
		_, err := h.MarkRead(ctx, s, p)
		return err

	default:
		s.deliverEvent(EventError, ErrorEvent{Event: f.Event, Code: CodeUnknownEvent, Message: "unknown event"})
		return nil
	}
}

func (h *Hub) reject(s *Session, event string, err error) {
	h.log.Warn("event rejected", "conn_id", s.id, "user_id", s.UserID(), "event", event, "error", err)
	s.deliverEvent(EventError, ErrorEvent{Event: event, Code: errorCode(err), Message: publicMessage(canonicalEvent(event), err)})
}
