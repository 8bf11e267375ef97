package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dandantas/metronome/internal/bus"
	"github.com/dandantas/metronome/internal/config"
	"github.com/dandantas/metronome/internal/database"
	"github.com/dandantas/metronome/internal/handler"
	"github.com/dandantas/metronome/internal/lock"
	"github.com/dandantas/metronome/internal/membership"
	"github.com/dandantas/metronome/internal/model"
	"github.com/dandantas/metronome/internal/replica"
	"github.com/dandantas/metronome/internal/scheduler"
	"github.com/dandantas/metronome/internal/tick"
	"github.com/dandantas/metronome/internal/transport"
	"github.com/dandantas/metronome/internal/webhook"
	"github.com/dandantas/metronome/internal/worker"
)

const version = "1.0.0"

const tickQueueKey = "metronome:ticks"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	config.InitLogger(cfg)

	slog.Info("Starting metronome",
		"version", version,
		"node_address", cfg.NodeAddress,
		"node_roles", cfg.NodeRoles,
		"fanout_mode", cfg.FanOutMode,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to MongoDB
	db, err := database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Disconnect(context.Background()); err != nil {
			slog.Error("Failed to disconnect from MongoDB", "error", err)
		}
	}()

	// Create indexes
	if err := database.CreateIndexes(ctx, db); err != nil {
		slog.Error("Failed to create indexes", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	multiMapRepo := database.NewMultiMapRepository(db)
	memberRepo := database.NewMemberRepository(db)
	jobDefinitionRepo := database.NewJobDefinitionRepository(db)
	runRepo := database.NewRunRepository(db)

	// Cluster membership
	tracker := membership.NewTracker()
	watcher := membership.NewWatcher(
		model.Member{Address: cfg.NodeAddress, Roles: cfg.NodeRoles},
		memberRepo,
		tracker,
		membership.WatcherConfig{
			Heartbeat:        cfg.MemberHeartbeat,
			UnreachableAfter: cfg.MemberUnreachable,
			RemoveAfter:      cfg.MemberRemove,
			ResyncEvery:      cfg.MemberResync,
		},
		slog.Default(),
	)
	if err := watcher.Start(ctx); err != nil {
		slog.Error("Failed to join cluster", "error", err)
		os.Exit(1)
	}

	// Locks and replicated state
	weakLock := lock.NewWeakLock(
		multiMapRepo,
		lock.WithVerifyTimeout(cfg.LockVerifyTimeout),
		lock.WithLogger(slog.Default()),
	)
	lastTicks := worker.NewReplicatedLastTicks(multiMapRepo, replica.ReadMajority, replica.WriteMajority)

	// Worker pool for async jobs
	pool := worker.NewPool(cfg.WorkerPoolSize, cfg.WorkerQueueSize)
	pool.Start()

	// Tick fan-out
	localBus := bus.New()
	var rdb *redis.Client
	if cfg.FanOutMode != config.FanOutSingle {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
	}

	fanOut, tickBus, stopFanOut, err := setupFanOut(ctx, cfg, localBus, tracker, weakLock, rdb)
	if err != nil {
		slog.Error("Failed to set up tick fan-out", "error", err, "mode", cfg.FanOutMode)
		os.Exit(1)
	}

	// Initialize webhook dispatcher and scheduling engine
	dispatcher := webhook.NewDispatcher(cfg.WebhookTimeout, cfg.NodeAddress)

	var definitions scheduler.DefinitionSource
	if cfg.JobDefinitionsEnabled {
		definitions = jobDefinitionRepo
	}

	engine := scheduler.NewEngine(scheduler.Options{
		Address:      cfg.NodeAddress,
		Roles:        cfg.NodeRoles,
		Bus:          tickBus,
		GlobalLock:   weakLock,
		LastTicks:    lastTicks,
		Pool:         pool,
		UnlockDelay:  cfg.UnlockDelay,
		Definitions:  definitions,
		Bodies:       dispatcher.NewJob,
		Runs:         runRepo,
		SyncInterval: cfg.JobSyncInterval,
		OnBusy: func(job string, t model.Tick, global bool) {
			slog.Debug("Job busy, tick skipped", "job", job, "tick_id", t.ID, "global", global)
		},
		Logger: slog.Default(),
	})
	if err := engine.Start(ctx); err != nil {
		slog.Error("Failed to start scheduling engine", "error", err)
		os.Exit(1)
	}

	// Start the clock
	source := tick.NewSource(fanOut, tick.SourceConfig{
		Address:    cfg.NodeAddress,
		RenewEvery: cfg.ClockRenewEvery,
		Logger:     slog.Default(),
	})
	if err := source.Start(); err != nil {
		slog.Error("Failed to start tick source", "error", err)
		os.Exit(1)
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(db, tracker, cfg.NodeAddress, version)
	clusterHandler := handler.NewClusterHandler(tracker)
	jobHandler := handler.NewJobHandler(engine, runRepo)
	var jobDefinitionHandler *handler.JobDefinitionHandler
	if cfg.JobDefinitionsEnabled {
		jobDefinitionHandler = handler.NewJobDefinitionHandler(jobDefinitionRepo, engine)
	}

	// Create router
	router := handler.NewRouter(healthHandler, clusterHandler, jobHandler, jobDefinitionHandler)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Received shutdown signal, initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop producing ticks first, then drain the jobs
	slog.Info("Stopping tick source...")
	source.Stop()
	stopFanOut()

	slog.Info("Stopping scheduling engine...")
	engine.Stop(shutdownCtx)
	pool.Stop()

	slog.Info("Leaving cluster...")
	watcher.Stop(shutdownCtx)

	// Shutdown HTTP server
	slog.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			slog.Error("Failed to close Redis client", "error", err)
		}
	}

	slog.Info("Metronome stopped")
}

// setupFanOut builds the tick fan-out for the configured mode. It returns the
// subscriber coordinators listen on and a hook releasing the fan-out's
// transport resources.
func setupFanOut(
	ctx context.Context,
	cfg *config.Config,
	local *bus.Bus,
	tracker *membership.Tracker,
	relayLock lock.Provider,
	rdb redis.UniversalClient,
) (tick.FanOut, bus.Subscriber, func(), error) {
	relayCfg := tick.RelayConfig{
		LockID:       cfg.NodeAddress,
		LockTTL:      cfg.RelayLockTTL,
		PollInterval: cfg.QueuePollInterval,
		Logger:       slog.Default(),
	}

	switch cfg.FanOutMode {
	case config.FanOutSingle:
		return tick.NewSingleProcess(local), local, func() {}, nil

	case config.FanOutCluster:
		t := transport.NewRedisTransport(rdb, cfg.NodeAddress, transport.WithRedisLogger(slog.Default()))
		bridge := transport.NewBridge(t, slog.Default())
		fanOut := tick.NewLeaderGated(tracker, cfg.NodeAddress, bridge, slog.Default())
		return fanOut, bridge, func() { closeTransport(t) }, nil

	case config.FanOutPubSub:
		t := transport.NewRedisTransport(rdb, cfg.NodeAddress, transport.WithRedisLogger(slog.Default()))
		relay := tick.NewPubSubRelay(t, relayLock, local, relayCfg)
		if err := relay.Start(ctx); err != nil {
			closeTransport(t)
			return nil, nil, nil, fmt.Errorf("failed to start pub/sub relay: %w", err)
		}
		return relay, local, func() {
			relay.Stop()
			closeTransport(t)
		}, nil

	case config.FanOutQueue:
		q := transport.NewRedisQueue(rdb, tickQueueKey)
		relay := tick.NewQueueRelay(q, relayLock, local, relayCfg)
		if err := relay.Start(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to start queue relay: %w", err)
		}
		return relay, local, relay.Stop, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown fan-out mode %q", cfg.FanOutMode)
	}
}

func closeTransport(t transport.Transport) {
	if err := t.Close(); err != nil {
		slog.Error("Failed to close tick transport", "error", err)
	}
}
