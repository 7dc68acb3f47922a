package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ai2ai-net/node/internal/clock"
	"github.com/ai2ai-net/node/internal/config"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/node"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	fileLog, err := logging.NewDailyWriter(filepath.Join(cfg.DataDir, "logs"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "log setup error: %v\n", err)
		os.Exit(1)
	}
	defer fileLog.Close()
	log := logging.NewWithWriter(cfg.LogJSON, io.MultiWriter(os.Stdout, fileLog))

	fmt.Println("ai2ai-node " + version)
	fmt.Println("=============================================")
	fmt.Printf("AI2AI_NAME=%s\n", cfg.Name)
	fmt.Printf("AI2AI_PORT=%d\n", cfg.Port)
	fmt.Printf("AI2AI_DATA_DIR=%s\n", cfg.DataDir)
	fmt.Printf("AI2AI_REGISTRY=%s\n", cfg.Registry)
	fmt.Printf("AI2AI_ENCRYPTION=%t\n", cfg.EncryptionEnabled)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	n, err := node.New(cfg, log, clock.Real{})
	if err != nil {
		log.Error("failed to build node", "error", err)
		os.Exit(1)
	}

	if err := n.Start(ctx); err != nil {
		log.Error("failed to start node", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if err := n.Stop(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	log.Info("node shutdown complete")
}
