package app

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr         string
	DBPath       string
	JWTSecret    string
	PingInterval time.Duration
	UploadDir    string
	MaxFileSize  int64
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string
	Username  string
	Password  string
	Room      string
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("ROOMCHAT_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("ROOMCHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "roomchat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "roomchat", "roomchat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Roomchat", "roomchat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Roomchat", "roomchat.db")
		}
		return filepath.Join(home, ".local", "share", "roomchat", "roomchat.db")
	}
	return filepath.Join(".", ".roomchat", "roomchat.db")
}

// DefaultUploadDir returns the on-disk home for uploaded files, next to the
// database unless overridden.
func DefaultUploadDir() string {
	if env := os.Getenv("ROOMCHAT_UPLOAD_DIR"); env != "" {
		return env
	}
	return filepath.Join(filepath.Dir(DefaultDBPath()), "uploads")
}

// JWTSecretFromEnv returns the signing secret, empty when unset so the
// server falls back to its development default.
func JWTSecretFromEnv() string {
	return os.Getenv("ROOMCHAT_JWT_SECRET")
}
