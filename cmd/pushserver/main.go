package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/taskhive/realtime/internal/chat"
	"github.com/taskhive/realtime/internal/presence"
	"github.com/taskhive/realtime/internal/ratelimit"
	"github.com/taskhive/realtime/internal/registry"
	"github.com/taskhive/realtime/internal/router"
	"github.com/taskhive/realtime/internal/session"
	"github.com/taskhive/realtime/internal/stream"
	"github.com/taskhive/realtime/internal/typing"
)

func main() {
	config := stream.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	if v := os.Getenv("KEEPALIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.KeepaliveInterval = d
		}
	}

	sweeperConfig := registry.DefaultSweeperConfig()
	if v := os.Getenv("DEAD_CONN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			sweeperConfig.Timeout = d
		}
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- PostgreSQL ---
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = "postgres://localhost:5432/taskhive?sslmode=disable"
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("failed to open Postgres: %v", err)
	}
	pingCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	cancel()

	if err := chat.RunMigrations(databaseURL); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// --- Core wiring ---
	// The router is constructed once here and handed to everything that
	// publishes; nothing reaches it through a global.
	reg := registry.New()
	rt := router.New(reg)

	presenceStore := presence.NewStore(rdb)
	tracker := presence.NewTracker(rt, presence.WithStore(presenceStore))
	// Attach the presence hook before the first connection can register.
	reg.SetBoundaryFunc(tracker.Boundary)

	// --- NATS bridge (optional, for multi-instance deployments) ---
	var bridge *router.Bridge
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		bridgeConfig := router.DefaultBridgeConfig()
		bridgeConfig.URL = natsURL
		if name, _ := os.Hostname(); name != "" {
			bridgeConfig.Name = "taskhive-pushserver-" + name
		}
		bridge, err = router.NewBridge(bridgeConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		if err := rt.SetBridge(bridge); err != nil {
			log.Fatalf("failed to subscribe bridge: %v", err)
		}
	}

	sessions := session.NewStore(rdb)
	limiter := ratelimit.NewLimiter(rdb)
	directory := chat.NewDirectory(db)
	coordinator := typing.NewCoordinator(rt, directory)
	messages := chat.NewStore(db)
	deliverer := chat.NewDeliverer(messages, rt)

	server := stream.NewServer(config, stream.Deps{
		Registry:  reg,
		Sessions:  sessions,
		Typing:    coordinator,
		Limiter:   limiter,
		Deliverer: deliverer,
		History:   messages,
		Directory: directory,
		Presence:  presenceStore,
	})

	registry.StartSweeper(reg, sweeperConfig, server.Done())

	log.Printf("taskhive push server starting")
	log.Printf("  listen_addr:       %s", config.ListenAddr)
	log.Printf("  max_connections:   %d", config.MaxConnections)
	log.Printf("  keepalive:         %s", config.KeepaliveInterval)
	log.Printf("  dead_conn_timeout: %s", sweeperConfig.Timeout)
	log.Printf("  redis_addr:        %s", redisAddr)
	if bridge != nil {
		log.Printf("  nats_url:          %s", os.Getenv("NATS_URL"))
	} else {
		log.Printf("  nats_url:          (disabled, local fan-out only)")
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		tracker.Stop()
		if bridge != nil {
			bridge.Close()
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
