package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"huddle/internal/app"
)

func main() {
	// .env is optional; real env vars win either way
	_ = godotenv.Load()

	addr := flag.String("addr", getEnv("HUDDLE_ADDR", ":8080"), "server listen address")
	wsPath := flag.String("ws-path", getEnv("HUDDLE_WS_PATH", "/ws"), "websocket path")
	dbPath := flag.String("db", getEnv("HUDDLE_DB_PATH", app.DefaultDBPath()), "sqlite database path")
	uploadDir := flag.String("upload-dir", getEnv("HUDDLE_UPLOAD_DIR", app.DefaultUploadDir()), "directory for uploaded files")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, app.ServerConfig{
		Addr:      *addr,
		WSPath:    *wsPath,
		DBPath:    *dbPath,
		UploadDir: *uploadDir,
	})
	if err != nil {
		log.Fatalf("start server: %v", err)
	}

	log.Printf("huddle server listening on %s (ws at %s)", handle.Addr(), *wsPath)
	if err := handle.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
