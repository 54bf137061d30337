package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/foodcircle/internal/chat"
	"github.com/suPer8Hu/foodcircle/internal/db"
)

func identityIDs(ids []Identity) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.UserID)
	}
	return out
}

func TestHub_IdentifyAnnouncesAndSnapshots(t *testing.T) {
	h := newTestHub(t, newMemStore(), Options{})
	a := connect(t, h)
	b := connect(t, h)

	identify(t, h, a, "u1")
	first := drain(t, a)
	require.Empty(t, framesNamed(first, EventUserOnline), "no self announcement")
	require.Empty(t, decodeData[[]Identity](t, onlyFrame(t, first, EventActiveUsers)))

	identify(t, h, b, "u2")
	online := decodeData[Identity](t, onlyFrame(t, drain(t, a), EventUserOnline))
	require.Equal(t, "u2", online.UserID)

	snap := decodeData[[]Identity](t, onlyFrame(t, drain(t, b), EventActiveUsers))
	require.Equal(t, []string{"u1"}, identityIDs(snap))
}

func TestHub_DirectConversationScenario(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, newMemStore(), Options{})
	a := connect(t, h)
	b := connect(t, h)
	identify(t, h, a, "u1")
	identify(t, h, b, "u2")
	require.NoError(t, h.JoinRoom(a, JoinRoomPayload{RoomID: "u1_u2"}))
	require.NoError(t, h.JoinRoom(b, JoinRoomPayload{RoomID: "u1_u2"}))
	drain(t, a)
	drain(t, b)

	m, notices, err := h.Send(ctx, a, SendPayload{RoomID: "u1_u2", Message: "hi"})
	require.NoError(t, err)
	require.NotZero(t, m.ID)
	require.Equal(t, []Notice{{UserID: "u2", Outcome: RecipientInRoom}}, notices)

	frames := drain(t, b)
	got := decodeData[chat.Message](t, onlyFrame(t, frames, EventReceiveMessage))
	require.Equal(t, "hi", got.Body)
	require.Equal(t, m.ID, got.ID)
	require.Equal(t, "u1", got.SenderID)
	require.Empty(t, framesNamed(frames, EventNewMessageNotice))

	h.Disconnect(ctx, a)
	off := decodeData[UserOffline](t, onlyFrame(t, drain(t, b), EventUserOffline))
	require.Equal(t, "u1", off.UserID)

	c := connect(t, h)
	identify(t, h, c, "u3")
	snap := decodeData[[]Identity](t, onlyFrame(t, drain(t, c), EventActiveUsers))
	require.Equal(t, []string{"u2"}, identityIDs(snap))
}

func TestHub_NotificationWhenNotInRoom(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, newMemStore(), Options{PreviewLength: 50})
	a := connect(t, h)
	b := connect(t, h)
	identify(t, h, a, "u1")
	identify(t, h, b, "u2")
	require.NoError(t, h.JoinRoom(a, JoinRoomPayload{RoomID: "u1_u2"}))
	drain(t, b)

	body := strings.Repeat("pickup at the north entrance ", 4)
	_, notices, err := h.Send(ctx, a, SendPayload{RoomID: "u1_u2", Message: body})
	require.NoError(t, err)
	require.Equal(t, []Notice{{UserID: "u2", Outcome: Delivered}}, notices)

	frames := drain(t, b)
	require.Empty(t, framesNamed(frames, EventReceiveMessage))
	n := decodeData[NewMessageNotice](t, onlyFrame(t, frames, EventNewMessageNotice))
	require.Equal(t, body[:50]+"...", n.Preview)
	require.Equal(t, "u1_u2", n.RoomID)
}

func TestHub_NotificationWithSeparatorInUserIDs(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, newMemStore(), Options{})
	a := connect(t, h)
	b := connect(t, h)
	identify(t, h, a, "ann_x")
	identify(t, h, b, "bob")
	room := DirectRoomID("ann_x", "bob")
	require.Equal(t, "ann_x_bob", room)
	require.NoError(t, h.JoinRoom(a, JoinRoomPayload{RoomID: room}))
	drain(t, b)

	_, notices, err := h.Send(ctx, a, SendPayload{RoomID: room, Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, []Notice{{UserID: "bob", Outcome: Delivered}}, notices)
	n := decodeData[NewMessageNotice](t, onlyFrame(t, drain(t, b), EventNewMessageNotice))
	require.Equal(t, "hi", n.Preview)

	// and the other way round
	require.NoError(t, h.JoinRoom(b, JoinRoomPayload{RoomID: room}))
	require.NoError(t, h.LeaveRoom(a, room))
	drain(t, a)
	_, notices, err = h.Send(ctx, b, SendPayload{RoomID: room, Message: "on my way"})
	require.NoError(t, err)
	require.Equal(t, []Notice{{UserID: "ann_x", Outcome: Delivered}}, notices)
	require.Len(t, framesNamed(drain(t, a), EventNewMessageNotice), 1)
}

func TestHub_SendWithUnresolvableRoomReportsUnknownRecipient(t *testing.T) {
	h := newTestHub(t, newMemStore(), Options{})
	a := connect(t, h)
	identify(t, h, a, "u1")

	_, notices, err := h.Send(context.Background(), a, SendPayload{RoomID: "pantry-board", Message: "hello"})
	require.NoError(t, err)
	require.Equal(t, []Notice{{Outcome: RecipientUnknown}}, notices)
}

func TestHub_DisconnectDuringSend(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.delay = 100 * time.Millisecond
	store.appending = make(chan struct{}, 1)
	h := newTestHub(t, store, Options{})

	a := connect(t, h)
	b := connect(t, h)
	identify(t, h, a, "u1")
	identify(t, h, b, "u2")
	require.NoError(t, h.JoinRoom(a, JoinRoomPayload{RoomID: "u1_u2"}))
	require.NoError(t, h.JoinRoom(b, JoinRoomPayload{RoomID: "u1_u2"}))
	drain(t, a)
	drain(t, b)

	type result struct {
		m   *chat.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, _, err := h.Send(ctx, a, SendPayload{RoomID: "u1_u2", Message: "still warm"})
		done <- result{m, err}
	}()

	select {
	case <-store.appending:
	case <-time.After(2 * time.Second):
		t.Fatal("send never reached the store")
	}
	h.Disconnect(ctx, a)

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send did not finish")
	}
	require.NoError(t, res.err)
	require.NotZero(t, res.m.ID)
	require.Len(t, store.roomMessages("u1_u2"), 1)

	got := decodeData[chat.Message](t, onlyFrame(t, drain(t, b), EventReceiveMessage))
	require.Equal(t, "still warm", got.Body)

	require.Equal(t, StateClosed, a.State())
	late := drain(t, a)
	require.Empty(t, framesNamed(late, EventReceiveMessage))
	require.Empty(t, framesNamed(late, EventError))
	require.Equal(t, 1, h.Router().MemberCount("u1_u2"), "only b stays in the room")
}

func TestHub_DisconnectBeforeIdentifyIsSilent(t *testing.T) {
	h := newTestHub(t, newMemStore(), Options{})
	a := connect(t, h)
	identify(t, h, a, "u1")
	drain(t, a)

	x := connect(t, h)
	h.Disconnect(context.Background(), x)

	require.Empty(t, drain(t, a))
	require.Equal(t, 1, h.Registry().Online())
	_, ok := h.Sessions().Get(x.ID())
	require.False(t, ok)
	require.Equal(t, StateClosed, x.State())
}

func TestHub_StaleDisconnectKeepsNewerSession(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	h := newTestHub(t, store, Options{})
	observer := connect(t, h)
	identify(t, h, observer, "u9")

	old := connect(t, h)
	identify(t, h, old, "u1")
	fresh := connect(t, h)
	identify(t, h, fresh, "u1")
	drain(t, observer)

	h.Disconnect(ctx, old)
	require.Empty(t, framesNamed(drain(t, observer), EventUserOffline))

	e, ok := h.Registry().LookupUser("u1")
	require.True(t, ok)
	require.Equal(t, fresh.ID(), e.ConnID)
	require.Zero(t, store.lastSeen["u1"])

	h.Disconnect(ctx, fresh)
	require.Len(t, framesNamed(drain(t, observer), EventUserOffline), 1)
	require.Equal(t, 1, store.lastSeen["u1"])

	// a second disconnect is a no-op
	h.Disconnect(ctx, fresh)
	require.Empty(t, drain(t, observer))
}

func TestHub_JoinBeforeIdentifyPolicy(t *testing.T) {
	t.Run("rejected by default", func(t *testing.T) {
		h := newTestHub(t, newMemStore(), Options{})
		s := connect(t, h)
		h.Handle(context.Background(), s, rawFrame(t, EventJoinRoom, JoinRoomPayload{RoomID: "u1_u2"}))

		e := decodeData[ErrorEvent](t, onlyFrame(t, drain(t, s), EventError))
		require.Equal(t, CodeInvalidState, e.Code)
		require.Equal(t, EventJoinRoom, e.Event)
		require.Empty(t, s.Rooms())
	})

	t.Run("allowed in compatibility mode", func(t *testing.T) {
		h := newTestHub(t, newMemStore(), Options{AllowJoinBeforeIdentify: true})
		s := connect(t, h)
		require.NoError(t, h.JoinRoom(s, JoinRoomPayload{RoomID: "u1_u2"}))
		require.Empty(t, h.Router().Participants("u1_u2"))

		identify(t, h, s, "u1")
		require.Equal(t, []string{"u1", "u2"}, h.Router().Participants("u1_u2"))
	})
}

func TestHub_HandleErrors(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name  string
		raw   func(t *testing.T) []byte
		event string
		code  string
	}{
		{
			name:  "send before identify",
			raw:   func(t *testing.T) []byte { return rawFrame(t, EventSend, SendPayload{RoomID: "r1", Message: "x"}) },
			event: EventSend,
			code:  CodeInvalidState,
		},
		{
			name: "malformed json",
			raw:  func(*testing.T) []byte { return []byte(`{"event":`) },
			code: CodeInvalidPayload,
		},
		{
			name:  "missing data",
			raw:   func(*testing.T) []byte { return []byte(`{"event":"identify"}`) },
			event: EventIdentify,
			code:  CodeInvalidPayload,
		},
		{
			name:  "identify without user id",
			raw:   func(t *testing.T) []byte { return rawFrame(t, EventIdentify, Identity{UserName: "nobody"}) },
			event: EventIdentify,
			code:  CodeInvalidPayload,
		},
		{
			name:  "unknown event",
			raw:   func(*testing.T) []byte { return []byte(`{"event":"dance","data":{}}`) },
			event: "dance",
			code:  CodeUnknownEvent,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHub(t, newMemStore(), Options{})
			s := connect(t, h)
			h.Handle(ctx, s, tc.raw(t))

			e := decodeData[ErrorEvent](t, onlyFrame(t, drain(t, s), EventError))
			require.Equal(t, tc.code, e.Code)
			require.Equal(t, tc.event, e.Event)
			require.NotEmpty(t, e.Message)
			require.NotEqual(t, StateClosed, s.State())
		})
	}
}

func TestHub_PersistenceFailureOnlyReachesSender(t *testing.T) {
	store := newMemStore()
	h := newTestHub(t, store, Options{})
	a := connect(t, h)
	b := connect(t, h)
	identify(t, h, a, "u1")
	identify(t, h, b, "u2")
	require.NoError(t, h.JoinRoom(a, JoinRoomPayload{RoomID: "u1_u2"}))
	require.NoError(t, h.JoinRoom(b, JoinRoomPayload{RoomID: "u1_u2"}))
	drain(t, a)
	drain(t, b)

	store.mu.Lock()
	store.failAppend = fmt.Errorf("dial tcp: %w", errStoreDown)
	store.mu.Unlock()

	h.Handle(context.Background(), a, rawFrame(t, EventSend, SendPayload{RoomID: "u1_u2", Message: "hi"}))

	e := decodeData[ErrorEvent](t, onlyFrame(t, drain(t, a), EventError))
	require.Equal(t, CodePersistenceFailure, e.Code)
	require.Equal(t, "failed to save message", e.Message)
	require.Empty(t, drain(t, b))
}

func TestHub_MarkReadFailureNamesTheOperation(t *testing.T) {
	store := newMemStore()
	h := newTestHub(t, store, Options{})
	a := connect(t, h)
	identify(t, h, a, "u1")
	drain(t, a)

	store.mu.Lock()
	store.failMark = fmt.Errorf("dial tcp: %w", errStoreDown)
	store.mu.Unlock()

	h.Handle(context.Background(), a, rawFrame(t, "mark_read", MarkReadPayload{RoomID: "u1_u2"}))

	e := decodeData[ErrorEvent](t, onlyFrame(t, drain(t, a), EventError))
	require.Equal(t, "mark_read", e.Event)
	require.Equal(t, CodePersistenceFailure, e.Code)
	require.Equal(t, "failed to mark messages read", e.Message)
}

func TestHub_MarkRoomReadTrimsReader(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	h := newTestHub(t, store, Options{})
	a := connect(t, h)
	identify(t, h, a, "u1")
	_, _, err := h.Send(ctx, a, SendPayload{RoomID: "u1_u2", Message: "mine"})
	require.NoError(t, err)

	n, err := h.MarkRoomRead(ctx, "u1_u2", " u1 ")
	require.NoError(t, err)
	require.Zero(t, n, "own messages stay unread")
	require.False(t, store.roomMessages("u1_u2")[0].Read)

	_, err = h.MarkRoomRead(ctx, "u1_u2", "  ")
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestHub_SenderMustMatchIdentity(t *testing.T) {
	h := newTestHub(t, newMemStore(), Options{})
	a := connect(t, h)
	identify(t, h, a, "u1")

	_, _, err := h.Send(context.Background(), a, SendPayload{RoomID: "u1_u2", SenderID: "u2", Message: "spoof"})
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.MarkRead(context.Background(), a, MarkReadPayload{RoomID: "u1_u2", UserID: "u2"})
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestHub_AliasesAndBareRoomString(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, newMemStore(), Options{})
	a := connect(t, h)
	b := connect(t, h)

	h.Handle(ctx, a, []byte(`{"event":"user_join","data":{"userId":"u1","userName":"Ann"}}`))
	h.Handle(ctx, b, []byte(`{"event":"identify","data":{"userId":"u2"}}`))
	h.Handle(ctx, a, []byte(`{"event":"join_room","data":"u1_u2"}`))
	h.Handle(ctx, b, []byte(`{"event":"joinRoom","data":{"roomId":"u1_u2"}}`))
	drain(t, a)
	drain(t, b)

	h.Handle(ctx, a, []byte(`{"event":"typing_start","data":{"roomId":"u1_u2"}}`))
	typing := decodeData[UserTyping](t, onlyFrame(t, drain(t, b), EventUserTyping))
	require.Equal(t, "Ann", typing.UserName)
	require.True(t, typing.IsTyping)

	h.Handle(ctx, a, []byte(`{"event":"send_message","data":{"roomId":"u1_u2","message":"hello"}}`))
	require.Len(t, framesNamed(drain(t, b), EventReceiveMessage), 1)
	require.Len(t, framesNamed(drain(t, a), EventReceiveMessage), 1)

	h.Handle(ctx, a, []byte(`{"event":"leave_room","data":{"roomId":"u1_u2"}}`))
	onlyFrame(t, drain(t, a), EventRoomLeft)
	require.Equal(t, 1, h.Router().MemberCount("u1_u2"))
}

func TestHub_MarkReadThroughEvents(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, newMemStore(), Options{})
	a := connect(t, h)
	b := connect(t, h)
	identify(t, h, a, "u1")
	identify(t, h, b, "u2")
	require.NoError(t, h.JoinRoom(a, JoinRoomPayload{RoomID: "u1_u2"}))
	require.NoError(t, h.JoinRoom(b, JoinRoomPayload{RoomID: "u1_u2"}))

	for i := 0; i < 3; i++ {
		_, _, err := h.Send(ctx, a, SendPayload{RoomID: "u1_u2", Message: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	drain(t, a)
	drain(t, b)

	n, err := h.MarkRead(ctx, b, MarkReadPayload{RoomID: "u1_u2"})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	read := decodeData[MessagesRead](t, onlyFrame(t, drain(t, a), EventMessagesRead))
	require.Equal(t, MessagesRead{RoomID: "u1_u2", UserID: "u2", Count: 3}, read)

	h.Handle(ctx, b, rawFrame(t, EventMarkRead, MarkReadPayload{RoomID: "u1_u2", UserID: "u2"}))
	require.Empty(t, drain(t, a))
	require.Empty(t, framesNamed(drain(t, b), EventError))
}

func TestHub_CloseDisconnectsEveryone(t *testing.T) {
	h := NewHub(newMemStore(), nil, nil, Options{}, discardLogger())
	a := connect(t, h)
	identify(t, h, a, "u1")

	h.Close(context.Background())

	require.Equal(t, StateClosed, a.State())
	require.Zero(t, h.Sessions().Len())
	require.Zero(t, h.Registry().Online())
	_, err := h.Connect()
	require.ErrorIs(t, err, ErrHubClosed)

	// late fan-out to a closed session is a silent no-op
	require.False(t, a.deliverEvent(EventUserOnline, Identity{UserID: "u2"}))
}

type countingMirror struct {
	online, offline atomic.Int32
}

func (m *countingMirror) SetOnline(context.Context, Entry) error {
	m.online.Add(1)
	return nil
}

func (m *countingMirror) SetOffline(context.Context, Entry) error {
	m.offline.Add(1)
	return errStoreDown
}

func TestHub_MirrorFailuresDoNotBlockPresence(t *testing.T) {
	mirror := &countingMirror{}
	h := NewHub(newMemStore(), nil, mirror, Options{}, discardLogger())
	t.Cleanup(func() { h.Close(context.Background()) })

	a := connect(t, h)
	identify(t, h, a, "u1")
	h.Disconnect(context.Background(), a)

	require.EqualValues(t, 1, mirror.online.Load())
	require.EqualValues(t, 1, mirror.offline.Load())
	require.Zero(t, h.Registry().Online())
}

func TestHub_WithSQLiteRepo(t *testing.T) {
	ctx := context.Background()
	gdb, err := db.Connect("file:realtime_hub_test?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := chat.NewRepo(gdb)
	h := NewHub(repo, repo, nil, Options{}, discardLogger())
	t.Cleanup(func() { h.Close(ctx) })

	a := connect(t, h)
	b := connect(t, h)
	require.NoError(t, h.Identify(ctx, a, Identity{UserID: "u1", UserName: "Ann", UserEmail: "ann@example.com"}))
	identify(t, h, b, "u2")
	require.NoError(t, h.JoinRoom(a, JoinRoomPayload{RoomID: "u1_u2"}))

	for _, body := range []string{"first", "second", "third"} {
		_, _, err := h.Send(ctx, a, SendPayload{RoomID: "u1_u2", Message: body})
		require.NoError(t, err)
	}

	msgs, err := repo.ListByRoom(ctx, "u1_u2", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, body := range []string{"first", "second", "third"} {
		require.Equal(t, body, msgs[i].Body)
		if i > 0 {
			require.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
		}
	}

	// b never joined, so every message reached it as a notification
	require.Len(t, framesNamed(drain(t, b), EventNewMessageNotice), 3)

	unread, err := repo.CountUnread(ctx, "u2")
	require.NoError(t, err)
	require.EqualValues(t, 3, unread)

	n, err := h.MarkRoomRead(ctx, "u1_u2", "u2")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	u, err := repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "ann@example.com", u.UserEmail)
}
