package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/duet/chat-app/internal/bus"
	"github.com/duet/chat-app/internal/delivery"
	"github.com/duet/chat-app/internal/messaging"
	"github.com/duet/chat-app/internal/presence"
	"github.com/duet/chat-app/internal/ratelimit"
	"github.com/duet/chat-app/internal/registry"
	"github.com/duet/chat-app/internal/roster"
	"github.com/duet/chat-app/internal/store"
	"github.com/duet/chat-app/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	queueDepth := registry.DefaultQueueDepth
	if v := os.Getenv("SESSION_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			queueDepth = n
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// --- Persistence ---
	// DATABASE_URL selects PostgreSQL; without it the server runs on the
	// in-memory store, which is only suitable for local development.
	var (
		persistence delivery.Persistence
		membership  delivery.Membership
		pg          *store.Store
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		var err error
		pg, err = store.NewStore(dsn)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		if err := pg.Migrate(); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		persistence, membership = pg, pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store (development only)")
		mem := store.NewMemStore()
		persistence, membership = mem, mem
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rosterStore, err := roster.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(rosterStore.Client())

	// --- Delivery core ---
	reg := registry.New(queueDepth)
	eventBus := bus.New(reg)

	tracker := presence.NewTracker(eventBus, rosterStore)
	reg.SetListener(tracker)
	tracker.Start()

	coord := delivery.NewCoordinator(persistence, membership, eventBus, reg, tracker)

	// --- NATS relay (optional, multi-instance deployments) ---
	var relay *messaging.Relay
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		relay, err = messaging.NewRelay(natsConfig, serverName)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		eventBus.SetRelay(relay)
		if err := relay.Start(eventBus.DeliverRemote); err != nil {
			log.Fatalf("failed to start NATS relay: %v", err)
		}
	}

	dispatcher := ws.NewDispatcher(coord, tracker, limiter)
	server := ws.NewServer(config, reg, membership, dispatcher, limiter, rosterStore)

	log.Printf("Duet chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  queue_depth:     %d", queueDepth)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  relay:           %v", relay != nil)
	log.Printf("  postgres:        %v", pg != nil)

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
		if relay != nil {
			relay.Close()
		}
		if err := rosterStore.Close(); err != nil {
			log.Printf("roster close error: %v", err)
		}
		if pg != nil {
			if err := pg.Close(); err != nil {
				log.Printf("store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
