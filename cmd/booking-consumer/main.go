package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/iliyamo/cineverse-seat-lock/internal/config"
	"github.com/iliyamo/cineverse-seat-lock/internal/logger"
	"github.com/iliyamo/cineverse-seat-lock/internal/queue"
)

func main() {
	_ = godotenv.Load()
	env := os.Getenv("APP_ENV")
	log := logger.Must(env)
	defer func() { _ = log.Sync() }()

	n := config.LoadNotifyConfig()
	c := &queue.Consumer{
		URL:     n.URL,
		Queue:   n.Queue,
		LogPath: os.Getenv("BOOKING_LOG_PATH"),
		Log:     log.Named("booking-consumer"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("booking-consumer started", zap.String("queue", n.Queue))
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("booking-consumer stopped", zap.Error(err))
	}
	log.Info("booking-consumer stopped")
}
