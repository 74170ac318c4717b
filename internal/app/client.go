package app

import (
	"context"
	"errors"

	intrnl "roomchat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(ctx context.Context, cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	return intrnl.RunClient(ctx, intrnl.ClientOptions{
		ServerURL: cfg.ServerURL,
		WSPath:    NormalizeWSPath(cfg.WSPath),
		Username:  cfg.Username,
		RoomID:    cfg.RoomID,
	})
}
