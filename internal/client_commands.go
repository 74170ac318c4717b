package internal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"roomchat/internal/storage"
)

// bubbletea messages produced by the commands below.
type (
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	disconnectedMsg  struct {
		conn *websocket.Conn
		err  error
	}
	serverEventMsg struct {
		conn  *websocket.Conn
		event Event
	}
	reconnectMsg   struct{}
	roomCreatedMsg struct {
		roomID string
		err    error
	}
	existsMsg struct {
		roomID string
		exists bool
		err    error
	}
	postedMsg struct {
		message storage.Message
		err     error
	}
	uploadedMsg struct {
		path string
		resp uploadResponse
		err  error
	}
	typingIdleMsg struct{ gen int }
	noticeMsg     string
)

const retryDelay = 2 * time.Second

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	// tea.Tick keeps the retry inside bubbletea's event loop.
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// connectCmd dials the websocket with the room in the query string so the
// server joins it and sends history right away.
func (model *TUIModel) connectCmd() tea.Cmd {
	joinURL := model.endpoints.joinURL(model.roomID)
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, joinURL, nil)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// readOnceCmd reads a single event; Update schedules it again after each one.
func readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return disconnectedMsg{conn: conn, err: err}
		}
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return serverEventMsg{conn: conn, event: Event{Type: EventError, Error: "unreadable event from server"}}
		}
		return serverEventMsg{conn: conn, event: event}
	}
}

func writeFrameCmd(conn *websocket.Conn, mu *sync.Mutex, frame Frame) tea.Cmd {
	return func() tea.Msg {
		if conn == nil {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		// a failed write surfaces through the read loop, which reconnects
		_ = conn.WriteJSON(frame)
		return nil
	}
}

func (model *TUIModel) createRoomCmd() tea.Cmd {
	client, base := model.http, model.endpoints.httpBase
	return func() tea.Msg {
		roomID, err := apiCreateRoom(client, base)
		return roomCreatedMsg{roomID: roomID, err: err}
	}
}

// existsCmd checks the room over HTTP without joining it.
func (model *TUIModel) existsCmd(roomID string) tea.Cmd {
	client, base := model.http, model.endpoints.httpBase
	return func() tea.Msg {
		exists, err := apiRoomExists(client, base, roomID)
		return existsMsg{roomID: roomID, exists: exists, err: err}
	}
}

// postCmd posts over HTTP. The stored message comes back to every
// subscriber, this client included, as a newMessage event.
func (model *TUIModel) postCmd(req PostRequest) tea.Cmd {
	client, base, roomID := model.http, model.endpoints.httpBase, model.roomID
	return func() tea.Msg {
		msg, err := apiPostMessage(client, base, roomID, req)
		return postedMsg{message: msg, err: err}
	}
}

func (model *TUIModel) uploadCmd(path string) tea.Cmd {
	client, base := model.http, model.endpoints.httpBase
	return func() tea.Msg {
		resp, err := apiUpload(client, base, path)
		return uploadedMsg{path: path, resp: resp, err: err}
	}
}

// typingCmd announces typing at most every typingRefresh and arms the idle
// timer that sends stopTyping once the user pauses.
func (model *TUIModel) typingCmd() tea.Cmd {
	model.typingGen++
	gen := model.typingGen
	idle := tea.Tick(typingIdle, func(time.Time) tea.Msg { return typingIdleMsg{gen: gen} })
	if !model.isConnected {
		return idle
	}
	now := time.Now()
	if model.typingActive && now.Sub(model.lastTypingSent) < typingRefresh {
		return idle
	}
	model.typingActive = true
	model.lastTypingSent = now
	frame := Frame{Type: FrameTyping, Room: model.roomID, Username: model.username}
	return tea.Batch(writeFrameCmd(model.conn, model.writeMutex, frame), idle)
}

func (model *TUIModel) stopTypingCmd() tea.Cmd {
	if !model.typingActive {
		return nil
	}
	model.typingActive = false
	model.typingGen++
	if !model.isConnected {
		return nil
	}
	frame := Frame{Type: FrameStopTyping, Room: model.roomID, Username: model.username}
	return writeFrameCmd(model.conn, model.writeMutex, frame)
}

func (model *TUIModel) closeConn() {
	if model.conn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client quit"))
	model.writeMutex.Unlock()
	_ = model.conn.Close()
	model.conn = nil
	model.isConnected = false
}
