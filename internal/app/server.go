package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	intrnl "roomchat/internal"
	"roomchat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	hub    *intrnl.Hub
	store  *storage.Store
	logger *slog.Logger
	done   chan struct{}
	err    error

	stopOnce sync.Once
	stopErr  error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// URL is the http base URL clients on this machine can use.
func (h *ServerHandle) URL() string {
	host, port, err := net.SplitHostPort(h.addr)
	if err != nil {
		return "http://" + h.addr
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Stop closes every realtime session, drains in-flight HTTP requests until
// ctx expires and then closes the store. Later calls return the first result.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.stopOnce.Do(func() {
		h.logger.Info("server_stopping", "addr", h.addr)
		h.hub.Close()
		var errs []error
		if err := h.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		<-h.done
		if err := h.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		h.stopErr = errors.Join(errs...)
	})
	return h.stopErr
}

// Wait blocks until the server stops accepting connections.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the store, wires the hub and HTTP routes, and starts
// serving in the background. Cancelling ctx stops the server; otherwise use
// Stop and Wait.
func RunServer(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*ServerHandle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if dir := storeParentDir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	store, err := storage.Open(ctx, storage.Config{Driver: cfg.StoreDriver, Path: cfg.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	metrics := intrnl.NewMetrics()
	hub := intrnl.NewHub(
		intrnl.WithTypingTimeout(cfg.TypingTimeout),
		intrnl.WithHubLogger(logger),
		intrnl.WithHubMetrics(metrics),
	)
	server := intrnl.NewServer(store, hub,
		intrnl.WithLogger(logger),
		intrnl.WithMetrics(metrics),
		intrnl.WithUploads(cfg.UploadDir, cfg.MaxUploadSize.Int64()),
		intrnl.WithQueueSize(cfg.QueueSize),
		intrnl.WithPostLimit(cfg.PostRPS, cfg.PostBurst),
		intrnl.WithFrameLimit(cfg.FrameRPS, cfg.FrameBurst),
	)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(cfg.WSPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		hub.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		hub:    hub,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil {
			logger.Error("server_shutdown_failed", "err", err)
		}
	}()

	go handle.serve(listener)

	logger.Info("server_listening",
		"version", intrnl.Version,
		"addr", handle.addr,
		"ws_path", cfg.WSPath,
		"driver", cfg.StoreDriver,
		"db", cfg.DBPath,
		"uploads", cfg.UploadDir,
	)
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err != nil {
		h.logger.Error("server_failed", "err", err)
	}
	h.err = err
}

// storeParentDir is the directory that must exist before the store opens, or
// "" for in-memory and DSN-style paths.
func storeParentDir(path string) string {
	switch {
	case path == "", strings.HasPrefix(path, ":memory:"), strings.HasPrefix(path, "file:"), strings.HasPrefix(path, "sqlite://"):
		return ""
	}
	return filepath.Dir(path)
}
