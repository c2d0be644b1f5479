package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-automation/halremote-client/internal/config"
	"github.com/kestrel-automation/halremote-client/internal/pin"
	"github.com/kestrel-automation/halremote-client/internal/system"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("config loaded successfully", zap.String("component", cfg.Component.Name))

	pins := pin.NewSet()

	runtime := system.NewRuntime(cfg, pins, logger)

	if err := runtime.Start(); err != nil {
		logger.Fatal("failed to start runtime", zap.Error(err))
	}

	logger.Info("halremoted started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("halremoted stopped successfully")
}
