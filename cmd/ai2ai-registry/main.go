package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ai2ai-net/node/internal/clock"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/registryserver"
)

var version = "dev"

func main() {
	port := envStr("AI2AI_REGISTRY_PORT", "18900")
	dbPath := envStr("AI2AI_REGISTRY_DB", "/data/ai2ai/registry.db")
	logJSON := os.Getenv("AI2AI_LOG_JSON") != "false"
	log := logging.New(logJSON)

	fmt.Println("ai2ai-registry " + version)
	fmt.Println("=============================================")
	fmt.Printf("AI2AI_REGISTRY_PORT=%s\n", port)
	fmt.Printf("AI2AI_REGISTRY_DB=%s\n", dbPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	srv, err := registryserver.Open(dbPath, clock.Real{}, log)
	if err != nil {
		log.Error("failed to open registry", "error", err)
		os.Exit(1)
	}

	go func() {
		addr := net.JoinHostPort("", port)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("registry server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	log.Info("registry shutdown complete")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
