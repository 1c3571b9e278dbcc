package app

import (
	"os"
	"path/filepath"
	"runtime"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr        string
	WSPath      string
	DBPath      string
	UploadDir   string
	MaxFileSize int64
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("HUDDLE_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("HUDDLE_DATA_DIR"); env != "" {
		return filepath.Join(env, "huddle.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "huddle", "huddle.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Huddle", "huddle.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Huddle", "huddle.db")
		}
		return filepath.Join(home, ".local", "share", "huddle", "huddle.db")
	}
	return filepath.Join(".", ".huddle", "huddle.db")
}

// DefaultUploadDir returns where uploaded blobs land when unconfigured.
func DefaultUploadDir() string {
	if env := os.Getenv("HUDDLE_UPLOAD_DIR"); env != "" {
		return env
	}
	return filepath.Join(filepath.Dir(DefaultDBPath()), "uploads")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
