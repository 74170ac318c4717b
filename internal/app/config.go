package app

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	intrnl "roomchat/internal"
	"roomchat/internal/storage"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr        string `yaml:"addr" env:"ROOMCHAT_ADDR"`
	WSPath      string `yaml:"ws_path" env:"ROOMCHAT_WS_PATH"`
	StoreDriver string `yaml:"store_driver" env:"ROOMCHAT_STORE_DRIVER"`
	// DBPath is a SQLite file or a Pebble directory depending on StoreDriver.
	DBPath        string        `yaml:"db_path" env:"ROOMCHAT_DB_PATH"`
	UploadDir     string        `yaml:"upload_dir" env:"ROOMCHAT_UPLOAD_DIR"`
	MaxUploadSize SizeBytes     `yaml:"max_upload_size" env:"ROOMCHAT_MAX_UPLOAD_SIZE"`
	TypingTimeout time.Duration `yaml:"typing_timeout" env:"ROOMCHAT_TYPING_TIMEOUT"`
	QueueSize     int           `yaml:"queue_size" env:"ROOMCHAT_QUEUE_SIZE"`

	PostRPS    float64 `yaml:"post_rps" env:"ROOMCHAT_POST_RPS"`
	PostBurst  int     `yaml:"post_burst" env:"ROOMCHAT_POST_BURST"`
	FrameRPS   float64 `yaml:"frame_rps" env:"ROOMCHAT_FRAME_RPS"`
	FrameBurst int     `yaml:"frame_burst" env:"ROOMCHAT_FRAME_BURST"`

	LogLevel        string        `yaml:"log_level" env:"ROOMCHAT_LOG_LEVEL"`
	LogFormat       string        `yaml:"log_format" env:"ROOMCHAT_LOG_FORMAT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"ROOMCHAT_SHUTDOWN_TIMEOUT"`
}

// SizeBytes is a byte count written as a plain integer or a human-friendly
// string such as "10MB" or "512KiB".
type SizeBytes int64

// ParseSize accepts the same forms as a SizeBytes config value.
func ParseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil || v > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size value: %q", raw)
	}
	return SizeBytes(v), nil
}

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UnmarshalText lets env.Parse read ROOMCHAT_MAX_UPLOAD_SIZE=10MB.
func (s *SizeBytes) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Set and Type make SizeBytes usable as a pflag.Value.
func (s *SizeBytes) Set(raw string) error {
	return s.UnmarshalText([]byte(raw))
}

func (s SizeBytes) Type() string { return "size" }

func (s SizeBytes) String() string {
	if s < 0 {
		return strconv.FormatInt(int64(s), 10)
	}
	return humanize.IBytes(uint64(s))
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string `yaml:"server_url" env:"ROOMCHAT_SERVER"`
	WSPath    string `yaml:"ws_path" env:"ROOMCHAT_WS_PATH"`
	Username  string `yaml:"username" env:"ROOMCHAT_USER"`
	RoomID    string `yaml:"-"`
}

// DefaultServerConfig returns the settings used when nothing overrides them.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		WSPath:          "/ws",
		StoreDriver:     storage.DriverSQLite,
		UploadDir:       intrnl.DefaultUploadDir,
		MaxUploadSize:   10 << 20,
		TypingTimeout:   intrnl.DefaultTypingTimeout,
		QueueSize:       64,
		PostRPS:         5,
		PostBurst:       10,
		FrameRPS:        20,
		FrameBurst:      40,
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultClientConfig points the client at a server on localhost.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL: "http://localhost:8080",
		WSPath:    "/ws",
	}
}

// LoadServerConfig layers an optional YAML file and ROOMCHAT_* environment
// variables over the defaults. Flags are applied by the caller afterwards.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig mirrors LoadServerConfig for the client.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Normalize fills derived defaults and rejects settings the server cannot run with.
func (c *ServerConfig) Normalize() error {
	c.WSPath = NormalizeWSPath(c.WSPath)
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case "":
		c.StoreDriver = storage.DriverSQLite
	case storage.DriverSQLite, storage.DriverPebble:
	default:
		return fmt.Errorf("unknown store driver %q (want %s or %s)", c.StoreDriver, storage.DriverSQLite, storage.DriverPebble)
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath(c.StoreDriver)
	}
	if c.UploadDir == "" {
		c.UploadDir = intrnl.DefaultUploadDir
	}
	switch {
	case c.Addr == "":
		return errors.New("listen address is required")
	case c.MaxUploadSize <= 0:
		return errors.New("max upload size must be positive")
	case c.QueueSize <= 0:
		return errors.New("queue size must be positive")
	case c.TypingTimeout < 0:
		return errors.New("typing timeout cannot be negative")
	case c.ShutdownTimeout <= 0:
		return errors.New("shutdown timeout must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// DefaultDBPath returns a per-user data path for the store.
func DefaultDBPath(driver string) string {
	name := "roomchat.db"
	if driver == storage.DriverPebble {
		name = "roomchat.pebble"
	}
	if dir := os.Getenv("ROOMCHAT_DATA_DIR"); dir != "" {
		return filepath.Join(dir, name)
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "roomchat", name)
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "roomchat", name)
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "roomchat", name)
		}
		return filepath.Join(home, ".local", "share", "roomchat", name)
	}
	return filepath.Join(".", ".roomchat", name)
}

// NormalizeWSPath guarantees the websocket path starts with '/' and
// falls back to /ws when empty.
func NormalizeWSPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
