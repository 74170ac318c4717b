package internal

import (
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"roomchat/internal/storage"
)

// Update reacts to key presses and asynchronous events to drive the client.
func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := message.(type) {
	case tea.WindowSizeMsg:
		model.height = msg.Height
		model.textInput.Width = max(10, msg.Width-8)
		return model, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			model.closeConn()
			return model, tea.Quit
		}
		switch model.mode {
		case modeMenu:
			return model.updateMenu(msg)
		case modeNamePrompt:
			return model.updateNamePrompt(msg)
		case modeJoinPrompt:
			return model.updateJoinPrompt(msg)
		default:
			return model.updateChat(msg)
		}

	case connectedMsg:
		model.conn = msg.conn
		model.isConnected = true
		model.connectionError = nil
		return model, readOnceCmd(msg.conn)

	case connectFailedMsg:
		model.connectionError = msg.err
		model.isConnected = false
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case disconnectedMsg:
		if msg.conn != model.conn {
			return model, nil
		}
		_ = msg.conn.Close()
		model.conn = nil
		model.isConnected = false
		model.typingActive = false
		model.typing = make(map[string]struct{})
		model.connectionError = msg.err
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if model.mode == modeChat && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case serverEventMsg:
		if msg.conn != model.conn {
			return model, nil
		}
		model.applyEvent(msg.event)
		return model, readOnceCmd(msg.conn)

	case roomCreatedMsg:
		model.busy = false
		if msg.err != nil {
			model.addNotice(fmt.Sprintf("Could not create a room: %v", msg.err))
			model.setMode(modeMenu)
			return model, nil
		}
		model.roomID = msg.roomID
		model.notices = nil
		model.addNotice(inviteText(model.endpoints, msg.roomID))
		model.setMode(modeChat)
		return model, model.connectCmd()

	case existsMsg:
		model.busy = false
		if msg.err != nil {
			model.addNotice(fmt.Sprintf("Error checking room: %v", msg.err))
			return model, nil
		}
		if !msg.exists {
			model.addNotice("Room not found. Try again or create a room.")
			return model, nil
		}
		model.roomID = msg.roomID
		model.notices = nil
		model.setMode(modeChat)
		return model, model.connectCmd()

	case postedMsg:
		if msg.err != nil {
			if errors.Is(msg.err, errRoomNotFound) {
				model.addNotice("This room no longer exists.")
			} else {
				model.addNotice(fmt.Sprintf("Message not sent: %v", msg.err))
			}
			return model, nil
		}
		// the newMessage event normally wins the race; merging twice is harmless
		model.messages = mergeMessages(model.messages, msg.message)
		return model, nil

	case uploadedMsg:
		if msg.err != nil {
			model.addNotice(fmt.Sprintf("Upload of %s failed: %v", msg.path, msg.err))
			return model, nil
		}
		return model, model.postCmd(PostRequest{
			Username: model.username,
			Type:     msg.resp.Type,
			FileURL:  msg.resp.FileURL,
		})

	case typingIdleMsg:
		if msg.gen == model.typingGen {
			return model, model.stopTypingCmd()
		}
		return model, nil

	case noticeMsg:
		model.addNotice(string(msg))
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) updateMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if model.busy {
		return model, nil
	}
	switch key.String() {
	case "1", "j", "J":
		model.pendingAction = actionJoin
		model.setMode(modeNamePrompt)
	case "2", "c", "C":
		model.pendingAction = actionCreate
		model.setMode(modeNamePrompt)
	case "3", "q", "Q", "esc":
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) updateNamePrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.pendingAction = actionNone
		model.setMode(modeMenu)
		return model, nil
	case tea.KeyEnter:
		name := strings.TrimSpace(model.textInput.Value())
		if name == "" {
			model.addNotice("Display name cannot be empty.")
			return model, nil
		}
		if len(name) > storage.MaxUsernameLength {
			model.addNotice("Display name is too long.")
			return model, nil
		}
		model.username = name
		next := model.pendingAction
		model.pendingAction = actionNone
		switch next {
		case actionJoin:
			model.setMode(modeJoinPrompt)
			return model, nil
		case actionCreate:
			model.busy = true
			model.setMode(modeMenu)
			model.addNotice("Creating a room…")
			return model, model.createRoomCmd()
		default:
			model.setMode(modeMenu)
			return model, nil
		}
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateJoinPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.setMode(modeMenu)
		return model, nil
	case tea.KeyEnter:
		roomID := strings.TrimSpace(model.textInput.Value())
		if roomID == "" || model.busy {
			return model, nil
		}
		model.busy = true
		return model, model.existsCmd(roomID)
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.closeConn()
		return model, tea.Quit
	case tea.KeyEnter:
		text := strings.TrimSpace(model.textInput.Value())
		if text == "" {
			return model, nil
		}
		model.textInput.SetValue("")
		stop := model.stopTypingCmd()
		if strings.HasPrefix(text, "/") {
			return model, tea.Batch(stop, model.runCommand(text))
		}
		return model, tea.Batch(stop, model.postCmd(PostRequest{Username: model.username, Message: text}))
	}

	before := model.textInput.Value()
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	after := model.textInput.Value()
	if after == before {
		return model, cmd
	}
	if strings.TrimSpace(after) == "" || strings.HasPrefix(after, "/") {
		return model, tea.Batch(cmd, model.stopTypingCmd())
	}
	return model, tea.Batch(cmd, model.typingCmd())
}

// runCommand handles slash commands typed in the chat input.
func (model *TUIModel) runCommand(text string) tea.Cmd {
	name, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "/quit", "/exit":
		model.closeConn()
		return tea.Quit
	case "/upload":
		if arg == "" {
			model.addNotice("Usage: /upload <path to image or video>")
			return nil
		}
		path, info, err := resolveUploadPath(arg)
		if err != nil {
			model.addNotice(err.Error())
			return nil
		}
		model.addNotice(fmt.Sprintf("Uploading %s (%s)…", info.Name(), humanize.IBytes(uint64(info.Size()))))
		return model.uploadCmd(path)
	case "/files":
		return listMediaCmd(arg)
	case "/invite":
		model.addNotice(inviteText(model.endpoints, model.roomID))
		return nil
	case "/help":
		model.addNotice("Commands: /upload <path>, /files [dir], /invite, /quit")
		return nil
	default:
		model.addNotice(fmt.Sprintf("Unknown command %s. Try /help.", name))
		return nil
	}
}

// applyEvent folds one server event into the timeline and typing state.
func (model *TUIModel) applyEvent(event Event) {
	if event.Room != "" && event.Room != model.roomID {
		return
	}
	switch event.Type {
	case EventHistory:
		model.messages = mergeMessages(model.messages, event.Messages...)
	case EventNewMessage:
		if event.Message != nil {
			model.messages = mergeMessages(model.messages, *event.Message)
			delete(model.typing, event.Message.Username)
		}
	case EventTyping:
		if event.Username != "" {
			model.typing[event.Username] = struct{}{}
		}
	case EventStopTyping:
		delete(model.typing, event.Username)
	case EventError:
		model.addNotice("Server: " + event.Error)
	}
}
