package internal

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()
	hub := NewHub(append([]HubOption{WithHubLogger(quietLogger())}, opts...)...)
	t.Cleanup(hub.Close)
	return hub
}

func connect(t *testing.T, hub *Hub, id string, queue int) *Session {
	t.Helper()
	session := newSession(id, queue)
	require.True(t, hub.Register(session))
	return session
}

// drain returns every event currently queued for the session.
func drain(t *testing.T, session *Session) []Event {
	t.Helper()
	var events []Event
	for {
		select {
		case payload, ok := <-session.outbox:
			if !ok {
				return events
			}
			var event Event
			require.NoError(t, json.Unmarshal(payload, &event))
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestHubSubscribeIsIdempotent(t *testing.T) {
	hub := newTestHub(t)
	alice := connect(t, hub, "alice", 8)

	assert.True(t, hub.Subscribe("alice", "room-1"))
	assert.False(t, hub.Subscribe("alice", "room-1"))
	assert.Equal(t, 1, hub.RoomSize("room-1"))

	hub.BroadcastMessage("room-1", storage.Message{Seq: 1, Username: "bob", Body: "hi", Kind: storage.KindText})
	events := drain(t, alice)
	require.Len(t, events, 1, "a double subscribe must not double deliver")
	assert.Equal(t, EventNewMessage, events[0].Type)
	assert.Equal(t, "hi", events[0].Message.Body)
}

func TestHubSubscribeUnknownSession(t *testing.T) {
	hub := newTestHub(t)
	assert.False(t, hub.Subscribe("ghost", "room-1"))
	assert.Equal(t, 0, hub.RoomSize("room-1"))
}

func TestHubBroadcastMessageIncludesSenderAndOnlyRoom(t *testing.T) {
	hub := newTestHub(t)
	alice := connect(t, hub, "alice", 8)
	bob := connect(t, hub, "bob", 8)
	carol := connect(t, hub, "carol", 8)
	hub.Subscribe("alice", "room-1")
	hub.Subscribe("bob", "room-1")
	hub.Subscribe("carol", "room-2")

	hub.BroadcastMessage("room-1", storage.Message{Seq: 1, Username: "alice", Body: "hello", Kind: storage.KindText})

	assert.Len(t, drain(t, alice), 1)
	assert.Len(t, drain(t, bob), 1)
	assert.Empty(t, drain(t, carol))
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := newTestHub(t)
	alice := connect(t, hub, "alice", 8)
	hub.Subscribe("alice", "room-1")

	hub.Unsubscribe("alice", "room-1")
	hub.Unsubscribe("alice", "room-1")
	hub.BroadcastMessage("room-1", storage.Message{Seq: 1, Body: "x", Kind: storage.KindText})

	assert.Empty(t, drain(t, alice))
	assert.False(t, hub.Subscribed("alice", "room-1"))
	assert.Empty(t, alice.Rooms())
}

func TestHubTypingExcludesSender(t *testing.T) {
	hub := newTestHub(t, WithTypingTimeout(0))
	alice := connect(t, hub, "alice", 8)
	bob := connect(t, hub, "bob", 8)
	hub.Subscribe("alice", "room-1")
	hub.Subscribe("bob", "room-1")

	assert.True(t, hub.BroadcastTyping("room-1", "alice", "Alice"))
	assert.False(t, hub.BroadcastTyping("room-1", "alice", "Alice"), "repeat only refreshes")

	assert.Empty(t, drain(t, alice))
	events := drain(t, bob)
	require.Len(t, events, 1)
	assert.Equal(t, EventTyping, events[0].Type)
	assert.Equal(t, "Alice", events[0].Username)
	assert.Equal(t, "room-1", events[0].Room)
	assert.Equal(t, []string{"Alice"}, hub.Typing("room-1"))

	assert.True(t, hub.BroadcastStopTyping("room-1", "alice", "Alice"))
	assert.Empty(t, drain(t, alice))
	events = drain(t, bob)
	require.Len(t, events, 1)
	assert.Equal(t, EventStopTyping, events[0].Type)
	assert.Empty(t, hub.Typing("room-1"))

	assert.False(t, hub.BroadcastStopTyping("room-1", "alice", "Alice"))
	assert.Empty(t, drain(t, bob))
}

func TestHubTypingRequiresSubscription(t *testing.T) {
	hub := newTestHub(t, WithTypingTimeout(0))
	connect(t, hub, "alice", 8)
	bob := connect(t, hub, "bob", 8)
	hub.Subscribe("bob", "room-1")

	assert.False(t, hub.BroadcastTyping("room-1", "alice", "Alice"))
	assert.Empty(t, drain(t, bob))
	assert.Empty(t, hub.Typing("room-1"))
}

func TestHubStopTypingWithoutNameClearsOwnedEntries(t *testing.T) {
	hub := newTestHub(t, WithTypingTimeout(0))
	connect(t, hub, "alice", 8)
	connect(t, hub, "carol", 8)
	bob := connect(t, hub, "bob", 8)
	for _, id := range []string{"alice", "bob", "carol"} {
		hub.Subscribe(id, "room-1")
	}
	hub.BroadcastTyping("room-1", "alice", "Alice")
	hub.BroadcastTyping("room-1", "alice", "Al")
	hub.BroadcastTyping("room-1", "carol", "Carol")
	drain(t, bob)

	assert.True(t, hub.BroadcastStopTyping("room-1", "alice", ""))

	events := drain(t, bob)
	require.Len(t, events, 2)
	assert.Equal(t, "Al", events[0].Username)
	assert.Equal(t, "Alice", events[1].Username)
	assert.Equal(t, []string{"Carol"}, hub.Typing("room-1"))
}

func TestHubStopTypingCannotClearOthers(t *testing.T) {
	hub := newTestHub(t, WithTypingTimeout(0))
	connect(t, hub, "alice", 8)
	connect(t, hub, "bob", 8)
	hub.Subscribe("alice", "room-1")
	hub.Subscribe("bob", "room-1")
	hub.BroadcastTyping("room-1", "alice", "Alice")

	assert.False(t, hub.BroadcastStopTyping("room-1", "bob", "Alice"))
	assert.Equal(t, []string{"Alice"}, hub.Typing("room-1"))
}

func TestHubTypingExpires(t *testing.T) {
	hub := newTestHub(t, WithTypingTimeout(30*time.Millisecond))
	connect(t, hub, "alice", 8)
	bob := connect(t, hub, "bob", 8)
	hub.Subscribe("alice", "room-1")
	hub.Subscribe("bob", "room-1")

	hub.BroadcastTyping("room-1", "alice", "Alice")
	require.Len(t, drain(t, bob), 1)

	require.Eventually(t, func() bool {
		return len(hub.Typing("room-1")) == 0
	}, time.Second, 5*time.Millisecond)

	events := drain(t, bob)
	require.Len(t, events, 1)
	assert.Equal(t, EventStopTyping, events[0].Type)
	assert.Equal(t, "Alice", events[0].Username)
}

func TestHubDisconnectCleansUp(t *testing.T) {
	hub := newTestHub(t, WithTypingTimeout(0))
	alice := connect(t, hub, "alice", 8)
	bob := connect(t, hub, "bob", 8)
	hub.Subscribe("alice", "room-1")
	hub.Subscribe("alice", "room-2")
	hub.Subscribe("bob", "room-1")
	hub.BroadcastTyping("room-1", "alice", "Alice")
	drain(t, bob)

	hub.Disconnect("alice")

	assert.Equal(t, 1, hub.SessionCount())
	assert.False(t, hub.Subscribed("alice", "room-1"))
	assert.Equal(t, 0, hub.RoomSize("room-2"))
	assert.Empty(t, hub.Typing("room-1"))
	events := drain(t, bob)
	require.Len(t, events, 1)
	assert.Equal(t, EventStopTyping, events[0].Type)
	assert.Equal(t, "Alice", events[0].Username)
	assert.True(t, alice.isClosed())

	hub.Disconnect("alice")
}

func TestHubSlowSessionDropsOldest(t *testing.T) {
	hub := newTestHub(t)
	slow := connect(t, hub, "slow", 2)
	fast := connect(t, hub, "fast", 16)
	hub.Subscribe("slow", "room-1")
	hub.Subscribe("fast", "room-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := int64(1); seq <= 5; seq++ {
			hub.BroadcastMessage("room-1", storage.Message{Seq: seq, Body: "m", Kind: storage.KindText})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full session queue")
	}

	slowEvents := drain(t, slow)
	require.Len(t, slowEvents, 2)
	assert.Equal(t, int64(4), slowEvents[0].Message.Seq)
	assert.Equal(t, int64(5), slowEvents[1].Message.Seq)
	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Len(t, drain(t, fast), 5)
}

func TestHubCloseRejectsNewSessions(t *testing.T) {
	hub := NewHub(WithHubLogger(quietLogger()))
	alice := connect(t, hub, "alice", 4)
	hub.Subscribe("alice", "room-1")

	hub.Close()
	hub.Close()

	assert.True(t, alice.isClosed())
	assert.Equal(t, 0, hub.SessionCount())
	late := newSession("late", 4)
	assert.False(t, hub.Register(late))
	assert.True(t, late.isClosed())
	assert.False(t, hub.Subscribe("late", "room-1"))
}

func TestHubConcurrentRooms(t *testing.T) {
	hub := newTestHub(t, WithTypingTimeout(0))
	const rooms = 8
	var wg sync.WaitGroup
	for i := 0; i < rooms; i++ {
		id := string(rune('a' + i))
		session := connect(t, hub, id, 256)
		wg.Add(1)
		go func(session *Session, room string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Subscribe(session.ID, room)
				hub.BroadcastTyping(room, session.ID, session.ID)
				hub.BroadcastMessage(room, storage.Message{Seq: int64(j + 1), Body: "x", Kind: storage.KindText})
				hub.BroadcastStopTyping(room, session.ID, "")
				if j%10 == 9 {
					hub.Unsubscribe(session.ID, room)
				}
			}
		}(session, "room-"+id)
	}
	wg.Wait()
	for i := 0; i < rooms; i++ {
		assert.Empty(t, hub.Typing("room-"+string(rune('a'+i))))
	}
}

func TestSessionEnqueueAfterClose(t *testing.T) {
	session := newSession("s", 1)
	session.close()
	queued, dropped := session.enqueue([]byte("x"))
	assert.False(t, queued)
	assert.False(t, dropped)
	session.close()
}
