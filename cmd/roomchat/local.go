package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"roomchat/internal/app"
)

func newLocalCommand(opts *rootOptions) *cobra.Command {
	flags := &serverFlags{}
	var (
		username string
		logFile  string
	)
	cmd := &cobra.Command{
		Use:   "local [room-id]",
		Short: "Start a private server on this machine and attach the client to it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadServerConfig(opts.configPath)
			if err != nil {
				return err
			}
			cfg.Addr = "127.0.0.1:0"
			flags.apply(cmd.Flags(), &cfg)

			clientCfg := app.ClientConfig{Username: username, WSPath: cfg.WSPath}
			if len(args) > 0 {
				clientCfg.RoomID = args[0]
			}
			return runLocal(cfg, clientCfg, logFile)
		},
	}
	flags.register(cmd.Flags(), "127.0.0.1:0")
	cmd.Flags().StringVar(&username, "user", "", "display name")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write server logs here (discarded by default, the TUI owns the terminal)")
	return cmd
}

func runLocal(cfg app.ServerConfig, clientCfg app.ClientConfig, logFile string) error {
	var sink io.Writer = io.Discard
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		sink = f
	}
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat, sink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopServer(handle, cfg.ShutdownTimeout)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = handle.URL()
	if err := app.RunClient(ctx, clientCfg); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func stopServer(handle *app.ServerHandle, timeout time.Duration) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
