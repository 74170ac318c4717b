package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/storage"
)

func newTestStore(t *testing.T, driver string) *storage.Store {
	t.Helper()
	var (
		store *storage.Store
		err   error
	)
	switch driver {
	case storage.DriverSQLite:
		store, err = storage.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	default:
		store, err = storage.NewPebbleStore("", vfs.NewMem())
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	return newTestServerOn(t, newTestStore(t, storage.DriverPebble), opts...)
}

func newTestServerOn(t *testing.T, store *storage.Store, opts ...ServerOption) *Server {
	t.Helper()
	hub := newTestHub(t, WithTypingTimeout(0))
	base := []ServerOption{WithLogger(quietLogger()), WithUploads(t.TempDir(), 1024*1024)}
	return NewServer(store, hub, append(base, opts...)...)
}

type testAPI struct {
	t      *testing.T
	server *Server
	ts     *httptest.Server
}

func newTestAPI(t *testing.T, opts ...ServerOption) *testAPI {
	t.Helper()
	return newTestAPIOn(t, newTestStore(t, storage.DriverPebble), opts...)
}

func newTestAPIOn(t *testing.T, store *storage.Store, opts ...ServerOption) *testAPI {
	t.Helper()
	server := newTestServerOn(t, store, opts...)
	ts := httptest.NewServer(server.Routes("/ws"))
	t.Cleanup(ts.Close)
	return &testAPI{t: t, server: server, ts: ts}
}

func (a *testAPI) do(method, path string, body any) (int, []byte) {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, reader)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(a.t, err)
	return res.StatusCode, data
}

func (a *testAPI) createRoom() string {
	a.t.Helper()
	status, body := a.do(http.MethodPost, "/create-room", nil)
	require.Equal(a.t, http.StatusCreated, status, string(body))
	var resp createRoomResponse
	require.NoError(a.t, json.Unmarshal(body, &resp))
	require.NotEmpty(a.t, resp.RoomID)
	return resp.RoomID
}

func (a *testAPI) dial(query string) *websocket.Conn {
	a.t.Helper()
	url := "ws" + strings.TrimPrefix(a.ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(a.t, err)
	a.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

// readUntil skips events until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want EventType) Event {
	t.Helper()
	for {
		event := readEvent(t, conn)
		if event.Type == want {
			return event
		}
	}
}

func assertSilent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var event Event
	err := conn.ReadJSON(&event)
	require.Error(t, err, "unexpected event %+v", event)
}

func TestCreateRoomReturnsDistinctIDs(t *testing.T) {
	api := newTestAPI(t)
	first := api.createRoom()
	second := api.createRoom()
	assert.NotEqual(t, first, second)

	status, body := api.do(http.MethodGet, "/rooms/"+first+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "[]", string(body))
}

func TestPostAndListMessages(t *testing.T) {
	api := newTestAPI(t)
	room := api.createRoom()

	status, body := api.do(http.MethodPost, "/rooms/"+room+"/messages", PostRequest{Username: "ann", Message: "hello", Type: "text"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var stored storage.Message
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, int64(1), stored.Seq)
	assert.Equal(t, "ann", stored.Username)
	assert.False(t, stored.Timestamp.IsZero())

	status, _ = api.do(http.MethodPost, "/rooms/"+room+"/messages", PostRequest{Type: "image", FileURL: "/uploads/x-cat.png"})
	require.Equal(t, http.StatusCreated, status)

	status, body = api.do(http.MethodGet, "/rooms/"+room+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	var msgs []storage.Message
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, storage.KindImage, msgs[1].Kind)
	assert.Equal(t, storage.DefaultUsername, msgs[1].Username)
	assert.Equal(t, "/uploads/x-cat.png", msgs[1].FileURL)
}

func TestMessageErrorsMapToStatus(t *testing.T) {
	api := newTestAPI(t)
	room := api.createRoom()

	status, _ := api.do(http.MethodGet, "/rooms/nope/messages", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.do(http.MethodPost, "/rooms/nope/messages", PostRequest{Message: "hi"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.do(http.MethodPost, "/rooms/"+room+"/messages", PostRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(http.MethodPost, "/rooms/"+room+"/messages", PostRequest{Type: "video"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(http.MethodPost, "/rooms/"+room+"/messages", PostRequest{Type: "gif", FileURL: "/x"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(http.MethodPost, "/rooms/"+room+"/messages", map[string]string{"bogus": "field"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(http.MethodDelete, "/rooms/"+room+"/messages", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	status, body := api.do(http.MethodGet, "/rooms/"+room+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "[]", string(body), "rejected posts must not be stored")
}

func TestStorageFailuresMapToInternalError(t *testing.T) {
	for _, driver := range []string{storage.DriverSQLite, storage.DriverPebble} {
		t.Run(driver, func(t *testing.T) {
			store := newTestStore(t, driver)
			api := newTestAPIOn(t, store)
			room := api.createRoom()
			conn := api.dial("")
			require.NoError(t, store.Close())

			requests := []struct {
				method string
				path   string
				body   any
			}{
				{http.MethodPost, "/create-room", nil},
				{http.MethodGet, "/rooms/" + room + "/messages", nil},
				{http.MethodPost, "/rooms/" + room + "/messages", PostRequest{Message: "hi"}},
			}
			for _, req := range requests {
				status, body := api.do(req.method, req.path, req.body)
				assert.Equal(t, http.StatusInternalServerError, status, "%s %s", req.method, req.path)
				assert.JSONEq(t, `{"error":"storage unavailable"}`, string(body), "%s %s", req.method, req.path)
			}

			require.NoError(t, conn.WriteJSON(Frame{
				Type:    FrameSendMessage,
				Room:    room,
				Message: &PostRequest{Username: "ann", Message: "hi"},
			}))
			event := readUntil(t, conn, EventError)
			assert.Equal(t, room, event.Room)
			assert.Equal(t, storage.ErrStorage.Error(), event.Error)
		})
	}
}

func TestPostRateLimit(t *testing.T) {
	api := newTestAPI(t, WithPostLimit(0.001, 2))
	room := api.createRoom()

	for i := 0; i < 2; i++ {
		status, _ := api.do(http.MethodPost, "/rooms/"+room+"/messages", PostRequest{Message: "hi"})
		require.Equal(t, http.StatusCreated, status)
	}
	status, _ := api.do(http.MethodPost, "/rooms/"+room+"/messages", PostRequest{Message: "hi"})
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestRoomExistsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	room := api.createRoom()

	status, _ := api.do(http.MethodGet, "/exists?room="+room, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = api.do(http.MethodGet, "/exists?room=unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = api.do(http.MethodGet, "/exists", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, WithMetrics(NewMetrics()))
	api.createRoom()

	status, body := api.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))

	status, body = api.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "roomchat_rooms_created_total 1")
}

func TestJoinSendsHistoryThenLiveMessages(t *testing.T) {
	api := newTestAPI(t)
	room := api.createRoom()
	status, _ := api.do(http.MethodPost, "/rooms/"+room+"/messages", PostRequest{Username: "ann", Message: "before"})
	require.Equal(t, http.StatusCreated, status)

	conn := api.dial("")
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameJoinRoom, Room: room}))

	joined := readEvent(t, conn)
	assert.Equal(t, EventJoined, joined.Type)
	history := readEvent(t, conn)
	require.Equal(t, EventHistory, history.Type)
	assert.Equal(t, room, history.Room)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "before", history.Messages[0].Body)

	status, _ = api.do(http.MethodPost, "/rooms/"+room+"/messages", PostRequest{Username: "bob", Message: "after"})
	require.Equal(t, http.StatusCreated, status)
	live := readUntil(t, conn, EventNewMessage)
	require.NotNil(t, live.Message)
	assert.Equal(t, "after", live.Message.Body)
	assert.Equal(t, int64(2), live.Message.Seq)
}

func TestJoinUnknownRoomSendsError(t *testing.T) {
	api := newTestAPI(t)
	conn := api.dial("")
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameJoinRoom, Room: "missing"}))

	event := readEvent(t, conn)
	assert.Equal(t, EventError, event.Type)
	assert.Equal(t, "missing", event.Room)
	assert.Equal(t, storage.ErrNotFound.Error(), event.Error)

	require.Eventually(t, func() bool { return api.server.Hub().SessionCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, api.server.Hub().RoomSize("missing"))
}

func TestJoinViaQueryParameter(t *testing.T) {
	api := newTestAPI(t)
	room := api.createRoom()
	conn := api.dial("?room=" + room)
	history := readUntil(t, conn, EventHistory)
	assert.Empty(t, history.Messages)
}

func TestWebsocketSendMessageReachesEveryone(t *testing.T) {
	api := newTestAPI(t)
	room := api.createRoom()
	alice := api.dial("?room=" + room)
	bob := api.dial("?room=" + room)
	readUntil(t, alice, EventHistory)
	readUntil(t, bob, EventHistory)

	require.NoError(t, alice.WriteJSON(Frame{
		Type:    FrameSendMessage,
		Room:    room,
		Message: &PostRequest{Username: "alice", Message: "over the socket"},
	}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		event := readUntil(t, conn, EventNewMessage)
		assert.Equal(t, "over the socket", event.Message.Body)
		assert.Equal(t, "alice", event.Message.Username)
	}

	require.NoError(t, alice.WriteJSON(Frame{Type: FrameSendMessage, Room: room, Message: &PostRequest{Message: ""}}))
	event := readEvent(t, alice)
	assert.Equal(t, EventError, event.Type)

	msgs, err := api.server.Messages(context.Background(), room)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestWebsocketTypingFlow(t *testing.T) {
	api := newTestAPI(t)
	room := api.createRoom()
	alice := api.dial("?room=" + room)
	bob := api.dial("?room=" + room)
	readUntil(t, alice, EventHistory)
	readUntil(t, bob, EventHistory)

	require.NoError(t, alice.WriteJSON(Frame{Type: FrameTyping, Room: room, Username: "Alice"}))
	typing := readEvent(t, bob)
	assert.Equal(t, EventTyping, typing.Type)
	assert.Equal(t, "Alice", typing.Username)

	require.NoError(t, alice.WriteJSON(Frame{Type: FrameStopTyping, Room: room, Username: "Alice"}))
	stop := readEvent(t, bob)
	assert.Equal(t, EventStopTyping, stop.Type)
	assert.Equal(t, "Alice", stop.Username)

	assertSilent(t, alice)
}

func TestWebsocketDisconnectClearsTyping(t *testing.T) {
	api := newTestAPI(t)
	room := api.createRoom()
	alice := api.dial("?room=" + room)
	bob := api.dial("?room=" + room)
	readUntil(t, alice, EventHistory)
	readUntil(t, bob, EventHistory)

	require.NoError(t, alice.WriteJSON(Frame{Type: FrameTyping, Room: room, Username: "Alice"}))
	readUntil(t, bob, EventTyping)

	require.NoError(t, alice.Close())
	stop := readUntil(t, bob, EventStopTyping)
	assert.Equal(t, "Alice", stop.Username)
	require.Eventually(t, func() bool {
		return api.server.Hub().RoomSize(room) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, api.server.Hub().Typing(room))
}

func TestWebsocketLeaveRoom(t *testing.T) {
	api := newTestAPI(t)
	room := api.createRoom()
	conn := api.dial("?room=" + room)
	readUntil(t, conn, EventHistory)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameLeaveRoom, Room: room}))
	assert.Equal(t, EventLeft, readEvent(t, conn).Type)

	status, _ := api.do(http.MethodPost, "/rooms/"+room+"/messages", PostRequest{Message: "nobody hears"})
	require.Equal(t, http.StatusCreated, status)
	assertSilent(t, conn)
}

func TestWebsocketRejectsBadFrames(t *testing.T) {
	api := newTestAPI(t)
	conn := api.dial("")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, EventError, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameJoinRoom}))
	assert.Equal(t, EventError, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Frame{Type: "dance", Room: "r"}))
	assert.Equal(t, EventError, readEvent(t, conn).Type)
}

func TestWebsocketHistoryAndLiveMergeBySeq(t *testing.T) {
	api := newTestAPI(t)
	room := api.createRoom()

	// Posts race with the join; every seq must be observed exactly once
	// after merging history and live events.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_, _ = api.server.PostMessage(context.Background(), room, PostRequest{Message: "m"})
		}
	}()
	conn := api.dial("?room=" + room)
	<-done

	seen := make(map[int64]int)
	for len(seen) < 20 {
		event := readEvent(t, conn)
		switch event.Type {
		case EventHistory:
			for _, m := range event.Messages {
				seen[m.Seq]++
			}
		case EventNewMessage:
			seen[event.Message.Seq]++
		}
	}
	for seq := int64(1); seq <= 20; seq++ {
		assert.NotZero(t, seen[seq], "seq %d missing", seq)
	}
}

func TestHubCloseEndsWebsocketSessions(t *testing.T) {
	api := newTestAPI(t)
	conn := api.dial("")
	require.Eventually(t, func() bool { return api.server.Hub().SessionCount() == 1 }, time.Second, 10*time.Millisecond)

	api.server.Hub().Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, api.server.Hub().SessionCount())
}

func TestLogRequestsPassesUpgradesThrough(t *testing.T) {
	server := newTestServer(t)
	var got http.ResponseWriter
	handler := server.logRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = w
		w.WriteHeader(http.StatusTeapot)
	}))

	plain := httptest.NewRecorder()
	handler.ServeHTTP(plain, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec, ok := got.(*statusRecorder)
	require.True(t, ok, "plain requests are recorded")
	assert.Equal(t, http.StatusTeapot, rec.status)

	upgrade := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Upgrade", "WebSocket")
	handler.ServeHTTP(upgrade, req)
	assert.Same(t, upgrade, got, "upgrades must see the raw writer")
}
