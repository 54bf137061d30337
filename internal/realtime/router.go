package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/samber/lo"
	"github.com/suPer8Hu/foodcircle/internal/chat"
)

// RoomSeparator joins the two participant ids of a direct-message room.
const RoomSeparator = "_"

const maxRoomIDLen = 191

// MessageStore is the persistence the router needs.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *chat.Message, participants []string) error
	MarkRead(ctx context.Context, roomID, readerID string) (int64, error)
	RoomParticipants(ctx context.Context, roomID string) ([]string, error)
}

// DirectRoomID builds the id both sides of a conversation derive independently.
func DirectRoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + RoomSeparator + b
}

// directPeer returns the other side of a direct room as seen by userID. Knowing
// one participant makes the split unambiguous even when ids contain the separator.
func directPeer(roomID, userID string) (string, bool) {
	if userID == "" {
		return "", false
	}
	var candidates []string
	if p, ok := strings.CutPrefix(roomID, userID+RoomSeparator); ok && p != "" && p != userID {
		candidates = append(candidates, p)
	}
	if p, ok := strings.CutSuffix(roomID, RoomSeparator+userID); ok && p != "" && p != userID {
		candidates = append(candidates, p)
	}
	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0], true
	}
	// both ends match; only one reading rebuilds the id in DirectRoomID order
	for _, p := range candidates {
		if DirectRoomID(userID, p) == roomID {
			return p, true
		}
	}
	return "", false
}

func validRoomID(roomID string) error {
	if roomID == "" || len(roomID) > maxRoomIDLen {
		return ErrInvalidRoom
	}
	if strings.IndexFunc(roomID, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return ErrInvalidRoom
	}
	return nil
}

// room is the explicit membership record. Everything but sendMu is guarded by
// Router.mu.
type room struct {
	id           string
	participants map[string]struct{}
	sessions     map[string]*Session
	inflight     int

	// serialises persist+fan-out so members see messages in acceptance order
	sendMu sync.Mutex
}

// Router tracks which sessions are in which rooms and fans events out to them.
type Router struct {
	mu    sync.Mutex
	rooms map[string]*room

	store MessageStore
	log   *slog.Logger
}

func NewRouter(store MessageStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		rooms: make(map[string]*room),
		store: store,
		log:   logger,
	}
}

// ensure must be called with r.mu held.
func (r *Router) ensure(roomID string) *room {
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:           roomID,
			participants: make(map[string]struct{}),
			sessions:     make(map[string]*Session),
		}
		r.rooms[roomID] = rm
	}
	return rm
}

// pruneLocked drops a record nobody is using. Must be called with r.mu held.
func (r *Router) pruneLocked(rm *room) {
	if len(rm.sessions) == 0 && rm.inflight == 0 {
		delete(r.rooms, rm.id)
	}
}

// addParticipantsLocked must be called with r.mu held.
func addParticipantsLocked(rm *room, userID string, explicit []string) {
	if userID != "" {
		rm.participants[userID] = struct{}{}
		if peer, ok := directPeer(rm.id, userID); ok {
			rm.participants[peer] = struct{}{}
		}
	}
	for _, p := range explicit {
		if p = strings.TrimSpace(p); p != "" {
			rm.participants[p] = struct{}{}
		}
	}
}

// Join adds s to roomID. Joining a room twice is a no-op and reports false.
func (r *Router) Join(s *Session, roomID string, participants ...string) (bool, error) {
	if err := validRoomID(roomID); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.ensure(roomID)
	if _, ok := rm.sessions[s.id]; ok {
		addParticipantsLocked(rm, s.UserID(), participants)
		return false, nil
	}
	if err := s.addRoom(roomID); err != nil {
		r.pruneLocked(rm)
		return false, err
	}
	addParticipantsLocked(rm, s.UserID(), participants)
	rm.sessions[s.id] = s
	return true, nil
}

// Leave removes s from roomID and reports whether it was a member.
func (r *Router) Leave(s *Session, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		s.removeRoom(roomID)
		return false
	}
	_, member := rm.sessions[s.id]
	delete(rm.sessions, s.id)
	s.removeRoom(roomID)
	r.pruneLocked(rm)
	return member
}

// leaveAll removes a closed session from the given rooms.
func (r *Router) leaveAll(connID string, roomIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range roomIDs {
		rm, ok := r.rooms[id]
		if !ok {
			continue
		}
		delete(rm.sessions, connID)
		r.pruneLocked(rm)
	}
}

// noteIdentity records a late-identified session as a participant of the rooms it
// already joined.
func (r *Router) noteIdentity(s *Session) {
	userID := s.UserID()
	if userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range s.Rooms() {
		if rm, ok := r.rooms[id]; ok {
			addParticipantsLocked(rm, userID, nil)
		}
	}
}

// Members returns the sessions currently joined to roomID.
func (r *Router) Members(roomID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return lo.Values(rm.sessions)
}

func (r *Router) MemberCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		return len(rm.sessions)
	}
	return 0
}

// Participants lists the user ids known to take part in roomID, in memory only.
func (r *Router) Participants(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := lo.Keys(rm.participants)
	sort.Strings(out)
	return out
}

// OtherParticipants returns every participant except senderID. The in-memory
// record is consulted first, then the persisted membership, then the direct room
// id read from the sender's side.
func (r *Router) OtherParticipants(ctx context.Context, roomID, senderID string) []string {
	others := lo.Without(r.Participants(roomID), senderID)
	if len(others) > 0 || r.store == nil {
		return others
	}

	stored, err := r.store.RoomParticipants(ctx, roomID)
	if err != nil {
		r.log.Warn("load room participants failed", "room_id", roomID, "error", err)
	}
	if others = lo.Without(lo.Uniq(stored), senderID); len(others) > 0 {
		return others
	}
	if peer, ok := directPeer(roomID, senderID); ok {
		return []string{peer}
	}
	return nil
}

// Send persists the message and then delivers receive_message to every session in
// the room, the sender's included. Nothing is delivered if persistence fails.
func (r *Router) Send(ctx context.Context, sender *Session, m *chat.Message) (delivered int, err error) {
	if err := validRoomID(m.RoomID); err != nil {
		return 0, err
	}

	r.mu.Lock()
	rm := r.ensure(m.RoomID)
	addParticipantsLocked(rm, m.SenderID, nil)
	rm.inflight++
	participants := lo.Keys(rm.participants)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		rm.inflight--
		r.pruneLocked(rm)
		r.mu.Unlock()
	}()

	rm.sendMu.Lock()
	defer rm.sendMu.Unlock()

	if err := r.store.AppendMessage(ctx, m, participants); err != nil {
		connID := ""
		if sender != nil {
			connID = sender.id
		}
		r.log.Error("append message failed", "room_id", m.RoomID, "conn_id", connID, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	frame, err := Encode(EventReceiveMessage, m)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	members := lo.Values(rm.sessions)
	r.mu.Unlock()

	for _, s := range members {
		if s.deliver(frame) {
			delivered++
		}
	}
	return delivered, nil
}

// Typing relays user_typing to everyone in the room except from.
func (r *Router) Typing(from *Session, roomID, userName string, isTyping bool) int {
	frame, err := Encode(EventUserTyping, UserTyping{RoomID: roomID, UserName: userName, IsTyping: isTyping})
	if err != nil {
		return 0
	}
	n := 0
	for _, s := range r.Members(roomID) {
		if from != nil && s.id == from.id {
			continue
		}
		if s.deliver(frame) {
			n++
		}
	}
	return n
}

// MarkRead bulk-marks the room read for readerID and tells the room when anything
// changed.
func (r *Router) MarkRead(ctx context.Context, roomID, readerID string) (int64, error) {
	if err := validRoomID(roomID); err != nil {
		return 0, err
	}
	n, err := r.store.MarkRead(ctx, roomID, readerID)
	if err != nil {
		r.log.Error("mark read failed", "room_id", roomID, "user_id", readerID, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if n == 0 {
		return 0, nil
	}

	frame, err := Encode(EventMessagesRead, MessagesRead{RoomID: roomID, UserID: readerID, Count: n})
	if err != nil {
		return n, nil
	}
	for _, s := range r.Members(roomID) {
		s.deliver(frame)
	}
	return n, nil
}
