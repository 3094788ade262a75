package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/outflow/pacer/internal/config"
	"github.com/outflow/pacer/internal/pkg/distlock"
	"github.com/outflow/pacer/internal/repository/postgres"
	"github.com/outflow/pacer/internal/service/cooldown"
	"github.com/outflow/pacer/internal/service/message"
	"github.com/outflow/pacer/internal/service/timeline"
	"github.com/outflow/pacer/internal/transport/zentra"
	"github.com/outflow/pacer/internal/worker"
)

func main() {
	log.Println("Starting pacer worker...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	cancel()
	log.Println("Connected to database")

	// Redis backs the scheduling locks, rate limiter, and block guard.
	// Without it the locks fall back to PG advisory locks and the
	// limiter is skipped.
	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid redis URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unavailable, falling back to PG advisory locks: %v", err)
			redisClient = nil
		}
		pingCancel()
	}

	sender := zentra.New(zentra.WithBaseURL(cfg.Provider.BaseURL))

	// Services the promoter drives
	cooldownSvc := cooldown.NewService(postgres.NewCooldownRepo(db))
	scheduler := timeline.NewService(postgres.NewTimelineRepo(db), func(key string) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, time.Minute)
	})
	messageSvc := message.NewService(postgres.NewMessageRepo(db), cooldownSvc, scheduler, sender)

	// Queue processor
	processor := worker.NewQueueProcessor(db, sender)
	processor.SetNumWorkers(cfg.Worker.ProcessorWorkers)
	processor.SetPollInterval(cfg.Worker.ProcessorPoll())
	if redisClient != nil {
		processor.SetRateLimiter(worker.NewSendRateLimiter(redisClient))
		guard := worker.NewBlockGuard(db, redisClient)
		guard.SetThreshold(cfg.Worker.BlockFailureThreshold)
		processor.SetBlockReporter(guard)
	}
	if err := processor.Start(); err != nil {
		log.Fatalf("Failed to start queue processor: %v", err)
	}

	// Scheduled message promoter
	promoter := worker.NewScheduledPromoter(messageSvc)
	promoter.SetPollInterval(cfg.Worker.PromoterPoll())
	if err := promoter.Start(); err != nil {
		log.Fatalf("Failed to start promoter: %v", err)
	}

	// Housekeeping (counter resets, stuck item recovery, auto-resume)
	housekeeper := worker.NewHousekeeper(db)
	if err := housekeeper.Start(); err != nil {
		log.Fatalf("Failed to start housekeeper: %v", err)
	}

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	housekeeper.Stop()
	promoter.Stop()
	processor.Stop()

	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Worker stopped")
}
