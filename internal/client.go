package internal

import (
	"context"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// RunClient runs the terminal client until the user quits or ctx ends.
func RunClient(ctx context.Context, opts ClientOptions) error {
	model, err := NewTUIModel(opts)
	if err != nil {
		return err
	}
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()
	model.closeConn()
	return err
}

// inviteText tells the user how someone else can join roomID.
func inviteText(eps endpoints, roomID string) string {
	var sb strings.Builder
	sb.WriteString("Invite others with:\n  ")
	sb.WriteString("roomchat client --server ")
	sb.WriteString(eps.httpBase)
	sb.WriteString(" ")
	sb.WriteString(roomID)
	sb.WriteString("\nRoom id: ")
	sb.WriteString(roomID)
	return sb.String()
}
