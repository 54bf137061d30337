package realtime

import (
	"sort"
	"sync"
	"sync/atomic"
)

type State int32

const (
	StateConnected State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live connection. Outbound frames are queued on a buffered channel
// drained by the transport; a full queue drops the frame rather than blocking the
// sender.
type Session struct {
	id string

	mu       sync.Mutex
	state    State
	identity Identity
	rooms    map[string]struct{}
	out      chan []byte

	dropped atomic.Int64
}

func newSession(id string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	return &Session{
		id:    id,
		state: StateConnected,
		rooms: make(map[string]struct{}),
		out:   make(chan []byte, buffer),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the bound identity, ok is false before identify.
func (s *Session) Identity() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.state == StateIdentified
}

func (s *Session) UserID() string {
	id, _ := s.Identity()
	return id.UserID
}

// Outbound is closed once the session is closed.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Dropped counts frames discarded because the outbound queue was full.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Session) bind(id Identity) (prev Identity, hadPrev bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return Identity{}, false, ErrSessionClosed
	}
	prev, hadPrev = s.identity, s.state == StateIdentified
	s.identity = id
	s.state = StateIdentified
	return prev, hadPrev, nil
}

func (s *Session) addRoom(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.rooms[roomID] = struct{}{}
	return nil
}

func (s *Session) removeRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

// markClosed moves the session to Closed and returns the rooms it was in.
// Only the first call returns ok.
func (s *Session) markClosed() (rooms []string, identity Identity, identified bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, Identity{}, false, false
	}
	identified = s.state == StateIdentified
	identity = s.identity
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.rooms = make(map[string]struct{})
	s.state = StateClosed
	close(s.out)
	return rooms, identity, identified, true
}

// deliver enqueues an encoded frame. Delivery to a closed session is a silent no-op.
func (s *Session) deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Session) deliverEvent(event string, payload any) bool {
	frame, err := Encode(event, payload)
	if err != nil {
		return false
	}
	return s.deliver(frame)
}

// SessionTable indexes live sessions by connection id.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]*Session)}
}

func (t *SessionTable) add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.id] = s
}

func (t *SessionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func (t *SessionTable) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *SessionTable) Snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
