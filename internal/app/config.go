package app

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAddr      = ":8080"
	LocalAddr        = "127.0.0.1:0"
	DefaultJoinPath  = "/join"
	DefaultServerURL = "ws://localhost:8080/join"
	DefaultStore     = "sqlite"

	DefaultAckTimeout = 10 * time.Second
	DefaultOutbox     = 32
)

// ServerConfig defines how the relay should run.
type ServerConfig struct {
	Addr           string
	Path           string
	DBPath         string
	Store          string
	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string
	Username  string
	RoomKey   string

	AckTimeout        time.Duration
	Outbox            int
	ResyncOnReconnect bool
	HeuristicMatch    bool
}

// LoadEnv reads an optional .env file into the environment. Variables that
// are already set win.
func LoadEnv(files ...string) {
	_ = godotenv.Load(files...)
}

// ServerConfigFromEnv returns the relay defaults, overridden by CHATSYNC_*
// variables.
func ServerConfigFromEnv() ServerConfig {
	store := EnvOrDefault("CHATSYNC_STORE", DefaultStore)
	return ServerConfig{
		Addr:           EnvOrDefault("CHATSYNC_ADDR", DefaultAddr),
		Path:           NormalizeJoinPath(os.Getenv("CHATSYNC_PATH")),
		DBPath:         EnvOrDefault("CHATSYNC_DB_PATH", ""),
		Store:          store,
		AllowedOrigins: envList("CHATSYNC_ALLOWED_ORIGINS"),
		RateLimit:      envInt("CHATSYNC_RATE_LIMIT", 0),
		RateWindow:     envDuration("CHATSYNC_RATE_WINDOW", 0),
	}
}

// ClientConfigFromEnv returns the client defaults, overridden by CHATSYNC_*
// variables.
func ClientConfigFromEnv() ClientConfig {
	return ClientConfig{
		ServerURL:         EnvOrDefault("CHATSYNC_SERVER", DefaultServerURL),
		Username:          os.Getenv("CHATSYNC_USER"),
		AckTimeout:        envDuration("CHATSYNC_ACK_TIMEOUT", DefaultAckTimeout),
		Outbox:            envInt("CHATSYNC_OUTBOX", DefaultOutbox),
		ResyncOnReconnect: envBool("CHATSYNC_RESYNC"),
	}
}

func EnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return d
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

// envList splits a comma-separated variable, skipping blanks.
func envList(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// DefaultDBPath returns a per-user data path for the relay's message log. A
// pebble store is a directory, sqlite a single file.
func DefaultDBPath(store string) string {
	name := "chatsync.db"
	if strings.EqualFold(store, "pebble") {
		name = "chatsync.pebble"
	}
	if env := os.Getenv("CHATSYNC_DATA_DIR"); env != "" {
		return filepath.Join(env, name)
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatsync", name)
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "chatsync", name)
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "chatsync", name)
		}
		return filepath.Join(home, ".local", "share", "chatsync", name)
	}
	return filepath.Join(".", ".chatsync", name)
}

// NormalizeJoinPath guarantees the websocket join path starts with '/' and
// falls back to /join when empty.
func NormalizeJoinPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultJoinPath
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
