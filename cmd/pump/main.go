package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasknest/storage"
	"tasknest/stream"
)

func main() {
	_ = godotenv.Load()

	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	logger.Info("change-event pump starting")

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

	rc := redis.NewClient(redisOptions(logger))

	idle := time.Second
	if v := os.Getenv("PUMP_IDLE_SLEEP"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Fatalf("invalid PUMP_IDLE_SLEEP: %v", err)
		}
		idle = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pump := stream.NewPump(store, rc, logger, idle)
	pump.Run(ctx)
	logger.Info("change-event pump stopped")
}

func redisOptions(logger *log.Logger) *redis.Options {
	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		logger.Fatal("missing redis config")
	}
	opts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		opts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				opts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					opts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	return opts
}
