package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/daemon"
	"github.com/dyluth/warren/pkg/contexttree"
)

func main() {
	// Exit with appropriate code
	os.Exit(run())
}

// run contains the main logic and returns an exit code.
// This separation makes the logic testable and ensures deferred functions run.
func run() int {
	configPath := flag.String("config", config.DefaultFileName, "Path to the warren configuration file")
	listenAddr := flag.String("listen", ":8080", "Address for the health and metrics endpoints")
	flag.Parse()

	// Load configuration (WARREN_TENANT and WARREN_REDIS_URL override the file)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[ERROR] Configuration error: %v", err)
		return 1
	}
	log.Printf("[INFO] Warren daemon starting for tenant='%s'", cfg.Tenant)

	// Parse Redis URL
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("[ERROR] Invalid redis_url: %v", err)
		return 1
	}

	// Create context store
	store, err := contexttree.NewRedisStore(redisOpts, cfg.Tenant)
	if err != nil {
		log.Printf("[ERROR] Failed to create context store: %v", err)
		return 1
	}

	// Create context service; closing it closes the store too
	service, err := contexttree.NewService(store, cfg.ServiceConfig())
	if err != nil {
		store.Close()
		log.Printf("[ERROR] Failed to create context service: %v", err)
		return 1
	}
	defer func() {
		log.Printf("[DEBUG] Closing context service...")
		if err := service.Close(); err != nil {
			log.Printf("[ERROR] Error closing context service: %v", err)
		}
	}()

	// Verify Redis connection
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := service.Ping(pingCtx); err != nil {
		cancel()
		log.Printf("[ERROR] Failed to connect to Redis: %v", err)
		return 1
	}
	cancel()
	log.Printf("[INFO] Connected to Redis")

	// Create health server
	healthServer := daemon.NewHealthServer(service, *listenAddr)

	// Start health server
	if err := healthServer.Start(); err != nil {
		log.Printf("[ERROR] Failed to start health server: %v", err)
		return 1
	}
	log.Printf("[INFO] Health and metrics server started on %s", *listenAddr)

	// Set up context for graceful shutdown
	listenerCtx, listenerCancel := context.WithCancel(context.Background())
	defer listenerCancel()

	// Set up signal handling for SIGINT and SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start invalidation listener in background goroutine
	listenerDone := make(chan error, 1)
	go func() {
		listenerDone <- service.RunInvalidationListener(listenerCtx)
	}()
	log.Printf("[INFO] Invalidation listener running")

	// Wait for shutdown signal or listener error
	select {
	case sig := <-sigChan:
		log.Printf("[INFO] Received signal: %v", sig)
	case err := <-listenerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[ERROR] Invalidation listener error: %v", err)
			return 1
		}
		// Listener exited normally (shouldn't happen in normal operation)
		log.Printf("[INFO] Invalidation listener exited")
		return 0
	}

	// Graceful shutdown sequence

	// 1. Cancel listener context to signal goroutines to stop
	log.Printf("[INFO] Initiating graceful shutdown...")
	listenerCancel()

	// 2. Shutdown health server with timeout
	healthShutdownCtx, healthShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer healthShutdownCancel()

	if err := healthServer.Shutdown(healthShutdownCtx); err != nil {
		log.Printf("[ERROR] Health server shutdown error: %v", err)
		// Continue with shutdown despite error
	}

	// 3. Wait for listener to complete shutdown (with timeout)
	listenerShutdownTimer := time.NewTimer(5 * time.Second)
	defer listenerShutdownTimer.Stop()

	select {
	case err := <-listenerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[ERROR] Invalidation listener shutdown error: %v", err)
			return 1
		}
		log.Printf("[INFO] Invalidation listener shutdown complete")

	case <-listenerShutdownTimer.C:
		log.Printf("[ERROR] Invalidation listener shutdown timeout - forcing exit")
		return 1
	}

	// 4. Store closed via defer

	log.Printf("[INFO] Warren daemon shutdown complete")
	return 0
}
