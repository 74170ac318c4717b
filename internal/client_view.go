package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"roomchat/internal/storage"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 1).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	mediaStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("117"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(0, 1).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	typingStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

// chrome is the number of terminal rows the chat screen spends outside the
// message list.
const chrome = 14

func (model *TUIModel) View() string {
	switch model.mode {
	case modeMenu:
		return model.renderMenuView()
	case modeNamePrompt:
		return model.renderPrompt("Choose a display name", "Shown next to every message you send. Esc to go back.")
	case modeJoinPrompt:
		return model.renderPrompt("Join a room", "Paste the room id you were invited to. Esc to go back.")
	default:
		return model.renderChatView()
	}
}

func (model *TUIModel) renderMenuView() string {
	title := appTitleStyle.Render("roomchat")
	subtitle := subtitleStyle.Render("Ephemeral chat rooms from your terminal")

	options := []string{
		renderMenuOption("1", "Join a room"),
		renderMenuOption("2", "Create a room"),
		renderMenuOption("3", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if model.busy {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("1) Join  •  2) Create  •  3) Quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderPrompt(title, hint string) string {
	viewSections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if model.busy {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderChatView() string {
	headerSegments := []string{
		"roomchat",
		fmt.Sprintf("Room %s", model.roomID),
		fmt.Sprintf("User %s", model.username),
		fmt.Sprintf("Server %s", model.endpoints.httpBase),
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	case model.connectionError != nil:
		statusLine = errorStyle.Render("Connection error: " + model.connectionError.Error() + " (retrying)")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	visible := model.messages
	if limit := model.height - chrome; model.height > 0 && limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	messageLines := make([]string, 0, len(visible)+1)
	for _, msg := range visible {
		messageLines = append(messageLines, model.renderChatMessage(msg))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	sections := []string{header, statusLine, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))}
	if line := typingLine(model.typingNames()); line != "" {
		sections = append(sections, typingStyle.Render(line))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections,
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("/upload <path> • /files • /invite • /help • Esc to quit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *TUIModel) renderSystemNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(model.notices))
	for _, notice := range model.notices {
		lines = append(lines, systemMessageStyle.Render(notice))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// renderChatMessage renders one timeline entry. Media messages show their
// kind and the absolute URL so the terminal can link it.
func (model *TUIModel) renderChatMessage(msg storage.Message) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", msg.Timestamp.Local().Format("15:04:05")))

	var nameStyle lipgloss.Style
	if msg.Username == model.username {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(msg.Username))
	}
	name := nameStyle.Render(msg.Username)

	var body string
	if msg.Kind.IsMedia() {
		body = mediaStyle.Render(fmt.Sprintf("[%s] %s", msg.Kind, model.endpoints.absolute(msg.FileURL)))
		if caption := strings.TrimSpace(msg.Body); caption != "" {
			body = messageBodyStyle.Render(caption) + " " + body
		}
	} else {
		body = messageBodyStyle.Render(strings.ReplaceAll(msg.Body, "\n", "\n   "))
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", body)
}

// typingLine summarises who is typing, or returns "" when nobody is.
func typingLine(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	case 2:
		return names[0] + " and " + names[1] + " are typing…"
	default:
		return fmt.Sprintf("%d people are typing…", len(names))
	}
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
