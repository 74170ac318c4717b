package internal

import (
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"roomchat/internal/storage"
)

const (
	typingRefresh = 2 * time.Second
	typingIdle    = 3 * time.Second
	maxNotices    = 5
)

// ClientOptions configures the terminal client.
type ClientOptions struct {
	// ServerURL is the server's http(s) or ws(s) address.
	ServerURL string
	// WSPath is the websocket path when ServerURL does not carry one.
	WSPath   string
	Username string
	// RoomID skips the menu and joins this room directly.
	RoomID string
}

// TUIModel holds the bubbletea state for the chat client: prompts, the merged
// room timeline, typing indicators and the websocket connection.
type TUIModel struct {
	textInput textinput.Model
	endpoints endpoints
	http      *http.Client

	mode          appMode
	pendingAction actionType

	roomID   string
	username string

	messages []storage.Message
	notices  []string
	typing   map[string]struct{}

	conn            *websocket.Conn
	writeMutex      *sync.Mutex
	isConnected     bool
	connectionError error
	busy            bool

	typingActive   bool
	lastTypingSent time.Time
	typingGen      int

	height int
}

type appMode int

const (
	modeMenu appMode = iota
	modeNamePrompt
	modeJoinPrompt
	modeChat
)

type actionType int

const (
	actionNone actionType = iota
	actionJoin
	actionCreate
)

// NewTUIModel builds the client model. Without a room it starts at the menu.
func NewTUIModel(opts ClientOptions) (*TUIModel, error) {
	eps, err := resolveEndpoints(opts.ServerURL, opts.WSPath)
	if err != nil {
		return nil, err
	}
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = storage.MaxBodyLength
	input.Prompt = "> "

	username := opts.Username
	if username == "" {
		username = defaultUsername()
	}

	model := &TUIModel{
		textInput:  input,
		endpoints:  eps,
		http:       &http.Client{Timeout: httpTimeout},
		username:   username,
		roomID:     opts.RoomID,
		typing:     make(map[string]struct{}),
		writeMutex: &sync.Mutex{},
	}
	if opts.RoomID == "" {
		model.setMode(modeMenu)
	} else {
		model.setMode(modeChat)
	}
	return model, nil
}

func defaultUsername() string {
	if user := os.Getenv("ROOMCHAT_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return storage.DefaultUsername
}

// Init dials the room right away when one was given on the command line.
func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeChat {
		return tea.Batch(textinput.Blink, model.connectCmd())
	}
	return nil
}

// setMode switches screens and configures the input for it.
func (model *TUIModel) setMode(mode appMode) {
	model.mode = mode
	model.textInput.SetValue("")
	switch mode {
	case modeMenu:
		model.textInput.Blur()
		model.textInput.Prompt = ""
		model.textInput.Placeholder = ""
	case modeNamePrompt:
		model.textInput.SetValue(model.username)
		model.textInput.Prompt = "name> "
		model.textInput.Placeholder = "Enter display name…"
		model.textInput.Focus()
	case modeJoinPrompt:
		model.textInput.Prompt = "room> "
		model.textInput.Placeholder = "Enter room id…"
		model.textInput.Focus()
	case modeChat:
		model.textInput.Prompt = "> "
		model.textInput.Placeholder = "Type a message…"
		model.textInput.Focus()
	}
}

func (model *TUIModel) addNotice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > maxNotices {
		model.notices = model.notices[len(model.notices)-maxNotices:]
	}
}

// mergeMessages adds incoming messages to a seq-ordered timeline, skipping
// any seq already present. History and live events may overlap around a join.
func mergeMessages(timeline []storage.Message, incoming ...storage.Message) []storage.Message {
	for _, msg := range incoming {
		idx := sort.Search(len(timeline), func(i int) bool { return timeline[i].Seq >= msg.Seq })
		if idx < len(timeline) && timeline[idx].Seq == msg.Seq {
			continue
		}
		timeline = append(timeline, storage.Message{})
		copy(timeline[idx+1:], timeline[idx:])
		timeline[idx] = msg
	}
	return timeline
}

func (model *TUIModel) typingNames() []string {
	names := make([]string, 0, len(model.typing))
	for name := range model.typing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
