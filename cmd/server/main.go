package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/internal/app"
)

func main() {
	addr := flag.String("addr", getEnv("ROOMCHAT_ADDR", ":8080"), "server listen address")
	dbPath := flag.String("db", getEnv("ROOMCHAT_DB_PATH", app.DefaultDBPath()), "sqlite database path")
	uploadDir := flag.String("uploads", getEnv("ROOMCHAT_UPLOAD_DIR", app.DefaultUploadDir()), "upload directory")
	pingInterval := flag.Duration("ping-interval", 30*time.Second, "liveness ping interval")
	flag.Parse()

	cfg := app.ServerConfig{
		Addr:         *addr,
		DBPath:       *dbPath,
		JWTSecret:    app.JWTSecretFromEnv(),
		PingInterval: *pingInterval,
		UploadDir:    *uploadDir,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("roomchat server listening on %s", handle.Addr())

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
