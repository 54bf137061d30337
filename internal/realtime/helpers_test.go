package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/foodcircle/internal/chat"
)

// memStore is an in-memory MessageStore + UserStore.
type memStore struct {
	mu         sync.Mutex
	msgs       []*chat.Message
	members    map[string][]string
	users      map[string]chat.User
	lastSeen   map[string]int
	nextID     uint64
	failAppend error
	failMark   error
	delay      time.Duration
	// receives once per AppendMessage before the delay, when set
	appending chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		members:  make(map[string][]string),
		users:    make(map[string]chat.User),
		lastSeen: make(map[string]int),
	}
}

func (m *memStore) AppendMessage(ctx context.Context, msg *chat.Message, participants []string) error {
	if m.appending != nil {
		m.appending <- struct{}{}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}
	m.nextID++
	msg.ID = m.nextID
	msg.CreatedAt = time.Now().UTC()
	cp := *msg
	m.msgs = append(m.msgs, &cp)
	for _, p := range participants {
		if !contains(m.members[msg.RoomID], p) {
			m.members[msg.RoomID] = append(m.members[msg.RoomID], p)
		}
	}
	return nil
}

func (m *memStore) MarkRead(ctx context.Context, roomID, readerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMark != nil {
		return 0, m.failMark
	}
	var n int64
	now := time.Now().UTC()
	for _, msg := range m.msgs {
		if msg.RoomID == roomID && msg.SenderID != readerID && !msg.Read {
			msg.Read = true
			msg.ReadAt = &now
			n++
		}
	}
	return n, nil
}

func (m *memStore) RoomParticipants(ctx context.Context, roomID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.members[roomID]...), nil
}

func (m *memStore) UpsertUser(ctx context.Context, u *chat.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.UserID] = *u
	return nil
}

func (m *memStore) TouchLastSeen(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[userID]++
	return nil
}

func (m *memStore) roomMessages(roomID string) []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Message
	for _, msg := range m.msgs {
		if msg.RoomID == roomID {
			out = append(out, *msg)
		}
	}
	return out
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

var errStoreDown = errors.New("store down")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, store *memStore, opts Options) *Hub {
	t.Helper()
	h := NewHub(store, store, nil, opts, discardLogger())
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func connect(t *testing.T, h *Hub) *Session {
	t.Helper()
	s, err := h.Connect()
	require.NoError(t, err)
	return s
}

func identify(t *testing.T, h *Hub, s *Session, userID string) {
	t.Helper()
	require.NoError(t, h.Identify(context.Background(), s, Identity{UserID: userID, UserName: "name-" + userID}))
}

// drain returns every frame currently queued for s.
func drain(t *testing.T, s *Session) []Frame {
	t.Helper()
	var out []Frame
	for {
		select {
		case b, ok := <-s.Outbound():
			if !ok {
				return out
			}
			var f Frame
			require.NoError(t, json.Unmarshal(b, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func framesNamed(frames []Frame, event string) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func onlyFrame(t *testing.T, frames []Frame, event string) Frame {
	t.Helper()
	got := framesNamed(frames, event)
	require.Len(t, got, 1, "expected exactly one %s frame", event)
	return got[0]
}

func decodeData[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func rawFrame(t *testing.T, event string, data any) []byte {
	t.Helper()
	b, err := Encode(event, data)
	require.NoError(t, err)
	return b
}
