package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/outflow/pacer/internal/api"
	"github.com/outflow/pacer/internal/config"
	"github.com/outflow/pacer/internal/pkg/distlock"
	"github.com/outflow/pacer/internal/pkg/httpretry"
	"github.com/outflow/pacer/internal/pkg/logger"
	"github.com/outflow/pacer/internal/repository/postgres"
	"github.com/outflow/pacer/internal/service/cooldown"
	"github.com/outflow/pacer/internal/service/message"
	"github.com/outflow/pacer/internal/service/timeline"
	"github.com/outflow/pacer/internal/transport/zentra"
)

// checkPortAvailable verifies that the target port is not already in
// use, so a stale process does not silently shadow this one.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting pacer API server...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch cfg.Logging.Level {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
	logger.SetRedactPII(cfg.Logging.RedactPII)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid redis URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		rCtx, rCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(rCtx).Err(); err != nil {
			log.Printf("Redis unavailable, falling back to PG advisory locks: %v", err)
			redisClient = nil
		}
		rCancel()
	}

	// The reply path is synchronous, so transient provider errors are
	// retried at the HTTP layer here. Queued sends go through the worker,
	// which reschedules failures itself.
	sender := zentra.New(
		zentra.WithBaseURL(cfg.Provider.BaseURL),
		zentra.WithHTTPClient(httpretry.NewRetryClient(
			&http.Client{Timeout: cfg.Provider.Timeout()}, cfg.Provider.MaxRetries)),
	)

	cooldownSvc := cooldown.NewService(postgres.NewCooldownRepo(db))
	scheduler := timeline.NewService(postgres.NewTimelineRepo(db), func(key string) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, time.Minute)
	})
	messageSvc := message.NewService(postgres.NewMessageRepo(db), cooldownSvc, scheduler, sender)

	handlers := api.NewHandlers(messageSvc)
	router := api.NewRouter(handlers)

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("%v", err)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("API server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Server stopped")
}
