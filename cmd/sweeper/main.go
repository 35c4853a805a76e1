package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"tasknest/push"
	"tasknest/storage"
	"tasknest/sweep"
)

func main() {
	_ = godotenv.Load()

	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	logger.Info("deadline sweeper starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTable := os.Getenv("TASKS_TABLE")
	tokensTable := os.Getenv("DEVICE_TOKENS_TABLE")
	eventsQueue := os.Getenv("CHANGE_EVENTS_QUEUE")
	if connStr == "" || tasksTable == "" || tokensTable == "" || eventsQueue == "" {
		logger.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tasksTable, tokensTable, eventsQueue, logger)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	credentials := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	if credentials == "" {
		logger.Fatal("missing GOOGLE_APPLICATION_CREDENTIALS")
	}

	interval := time.Minute
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Fatalf("invalid SWEEP_INTERVAL: %v", err)
		}
		interval = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sender, err := push.NewFCMSender(ctx, credentials)
	if err != nil {
		logger.Fatalf("fcm: %v", err)
	}
	fanout := push.NewFanout(sender, store, logger)

	sweeper := sweep.NewSweeper(store, store, fanout, logger)
	sweeper.Run(ctx, interval)
	logger.Info("deadline sweeper stopped")
}
