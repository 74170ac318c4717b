package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"roomchat/internal/app"
)

func newClientCommand(opts *rootOptions) *cobra.Command {
	var (
		serverURL string
		wsPath    string
		username  string
	)
	cmd := &cobra.Command{
		Use:   "client [room-id]",
		Short: "Open the terminal client, optionally joining a room directly",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadClientConfig(opts.configPath)
			if err != nil {
				return err
			}
			fs := cmd.Flags()
			if fs.Changed("server") {
				cfg.ServerURL = serverURL
			}
			if fs.Changed("ws-path") {
				cfg.WSPath = wsPath
			}
			if fs.Changed("user") {
				cfg.Username = username
			}
			if len(args) > 0 {
				cfg.RoomID = args[0]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := app.RunClient(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "server address (http, https, ws or wss)")
	cmd.Flags().StringVar(&wsPath, "ws-path", "/ws", "websocket path when --server has none")
	cmd.Flags().StringVar(&username, "user", "", "display name")
	return cmd
}
