package main

import (
	"context"
	"fmt"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"roomchat/internal/app"
)

// serverFlags override config values, but only when given on the command line.
type serverFlags struct {
	addr          string
	wsPath        string
	driver        string
	db            string
	uploadDir     string
	maxUpload     app.SizeBytes
	typingTimeout time.Duration
	logLevel      string
	logFormat     string
}

func (f *serverFlags) register(fs *pflag.FlagSet, defaultAddr string) {
	fs.StringVar(&f.addr, "addr", defaultAddr, "listen address")
	fs.StringVar(&f.wsPath, "ws-path", "/ws", "websocket path")
	fs.StringVar(&f.driver, "driver", "sqlite", "store driver: sqlite or pebble")
	fs.StringVar(&f.db, "db", "", "SQLite file or Pebble directory (defaults to a per-user path)")
	fs.StringVar(&f.uploadDir, "upload-dir", "", "directory for uploaded media")
	fs.Var(&f.maxUpload, "max-upload", "maximum upload size, e.g. 10MB or 512KiB")
	fs.DurationVar(&f.typingTimeout, "typing-timeout", 0, "clear typing indicators after this long without a refresh (0 disables)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "text or json")
}

func (f *serverFlags) apply(fs *pflag.FlagSet, cfg *app.ServerConfig) {
	if fs.Changed("addr") {
		cfg.Addr = f.addr
	}
	if fs.Changed("ws-path") {
		cfg.WSPath = f.wsPath
	}
	if fs.Changed("driver") {
		cfg.StoreDriver = f.driver
	}
	if fs.Changed("db") {
		cfg.DBPath = f.db
	}
	if fs.Changed("upload-dir") {
		cfg.UploadDir = f.uploadDir
	}
	if fs.Changed("max-upload") {
		cfg.MaxUploadSize = f.maxUpload
	}
	if fs.Changed("typing-timeout") {
		cfg.TypingTimeout = f.typingTimeout
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
}

func newServerCommand(opts *rootOptions) *cobra.Command {
	flags := &serverFlags{}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the chat server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadServerConfig(opts.configPath)
			if err != nil {
				return err
			}
			flags.apply(cmd.Flags(), &cfg)
			return runServer(cfg)
		},
	}
	flags.register(cmd.Flags(), ":8080")
	return cmd
}

func runServer(cfg app.ServerConfig) error {
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	handle, err := app.RunServer(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"roomchat-server": func(ctx context.Context) error {
				return handle.Stop(ctx)
			},
		},
	)

	served := make(chan error, 1)
	go func() { served <- handle.Wait() }()

	select {
	case exitCode := <-wait:
		if exitCode != 0 {
			return fmt.Errorf("shutdown finished with exit code %d", exitCode)
		}
		return nil
	case err := <-served:
		if err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = handle.Stop(stopCtx)
			return err
		}
		// Serve only returns cleanly once a signal started the shutdown.
		if exitCode := <-wait; exitCode != 0 {
			return fmt.Errorf("shutdown finished with exit code %d", exitCode)
		}
		return nil
	}
}
