// Package main is the entry point for the Trinity control plane.
// One binary runs the API, the executor, the scheduler, and the push
// gateway over shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"

	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/events/bus"

	"github.com/trinity/trinity/internal/agent/credentials"
	"github.com/trinity/trinity/internal/agent/docker"
	agenthandlers "github.com/trinity/trinity/internal/agent/handlers"
	"github.com/trinity/trinity/internal/agent/lifecycle"
	"github.com/trinity/trinity/internal/agent/permissions"
	agentstore "github.com/trinity/trinity/internal/agent/store"
	"github.com/trinity/trinity/internal/agent/template"
	"github.com/trinity/trinity/internal/agent/transport"

	"github.com/trinity/trinity/internal/activity"
	"github.com/trinity/trinity/internal/mcp"
	"github.com/trinity/trinity/internal/schedule"
	"github.com/trinity/trinity/internal/user"

	"github.com/trinity/trinity/internal/orchestrator/executor"
	orchestratorhandlers "github.com/trinity/trinity/internal/orchestrator/handlers"
	"github.com/trinity/trinity/internal/orchestrator/locks"
	"github.com/trinity/trinity/internal/orchestrator/queue"
	"github.com/trinity/trinity/internal/orchestrator/scheduler"

	gatewayws "github.com/trinity/trinity/internal/gateway/websocket"
)

func main() {
	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Trinity control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 3. Lock & queue backend: Redis when configured. The in-process
	// fallback is single-node only.
	var lockBackend locks.Backend
	if cfg.Redis.URL != "" {
		log.Info("Connecting to Redis...", zap.String("url", cfg.Redis.URL))
		redisBackend, err := locks.NewRedisBackend(cfg.Redis, log)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		lockBackend = redisBackend
	} else {
		log.Warn("No Redis configured, using in-process lock backend (single node only)")
		lockBackend = locks.NewMemoryBackend()
	}

	// 4. State store: one writer pool, one read-only pool
	writer, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer writer.Close()
	reader, err := db.OpenReader(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open read pool", zap.Error(err))
	}
	defer reader.Close()
	log.Info("State store ready", zap.String("path", cfg.Database.Path))

	// 5. Container engine
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Docker daemon not reachable", zap.Error(err))
	}

	// 6. Stores and domain services
	agents, err := agentstore.New(writer, reader)
	if err != nil {
		log.Fatal("Failed to initialize agent store", zap.Error(err))
	}
	perms, err := permissions.NewResolver(writer, reader, lifecycle.SystemAgentName, log)
	if err != nil {
		log.Fatal("Failed to initialize permission graph", zap.Error(err))
	}
	keyStore, err := mcp.NewStore(writer, reader)
	if err != nil {
		log.Fatal("Failed to initialize MCP key store", zap.Error(err))
	}
	keys := mcp.NewService(keyStore, log)

	schedStore, err := schedule.NewStore(writer, reader)
	if err != nil {
		log.Fatal("Failed to initialize schedule store", zap.Error(err))
	}
	schedules := schedule.NewService(schedStore, agents, log)

	activityStore, err := activity.NewStore(writer, reader)
	if err != nil {
		log.Fatal("Failed to initialize activity store", zap.Error(err))
	}
	activities := activity.NewService(activityStore, eventBus, log)

	userStore, err := user.NewStore(writer, reader)
	if err != nil {
		log.Fatal("Failed to initialize user store", zap.Error(err))
	}
	users, err := user.NewService(userStore, cfg.Auth, log)
	if err != nil {
		log.Fatal("Failed to initialize auth service", zap.Error(err))
	}
	if err := users.EnsureBootstrapAdmin(ctx,
		os.Getenv("TRINITY_BOOTSTRAP_USER"),
		os.Getenv("TRINITY_BOOTSTRAP_PASSWORD")); err != nil {
		log.Fatal("Failed to create bootstrap admin", zap.Error(err))
	}

	codec, err := credentials.NewCodecFromConfig(cfg.Credentials, log)
	if err != nil {
		log.Fatal("Failed to initialize credential codec", zap.Error(err))
	}

	// 7. Agent transport and lifecycle
	agentTransport := transport.NewClient(log)

	manager := lifecycle.NewManager(lifecycle.Deps{
		Engine:      dockerClient,
		Store:       agents,
		Permissions: perms,
		Keys:        keys,
		Schedules:   schedules,
		Activities:  activities,
		Templates:   template.NewResolver(cfg.Agent.TemplateDir, log),
		Codec:       codec,
		Health:      agentTransport,
		Config:      cfg.Agent,
	}, log)

	if err := manager.EnsureSystemAgent(ctx); err != nil {
		log.Fatal("Failed to ensure system agent", zap.Error(err))
	}
	log.Info("System agent ready", zap.String("name", lifecycle.SystemAgentName))

	// 8. Execution pipeline: queue, executor, scheduler
	execQueue := queue.NewExecutionQueue(lockBackend, queue.Config{
		MaxQueueSize: cfg.Queue.MaxQueueSize,
		ExecutionTTL: cfg.Queue.ExecutionTTLDuration(),
		WaitTimeout:  cfg.Queue.WaitTimeoutDuration(),
	}, log)

	exec := executor.New(execQueue, agentTransport, schedules, activities, manager, log)
	exec.SetEventBus(eventBus)
	exec.SetProcessSignaler(manager)

	cron := scheduler.New(schedules, exec, lockBackend, agents, scheduler.Config{
		TickInterval: cfg.Scheduler.TickIntervalDuration(),
		LeaderTTL:    cfg.Scheduler.LeaderTTLDuration(),
	}, log)
	if err := cron.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// 9. Push gateway
	hub := gatewayws.NewHub(log)
	if err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("Failed to attach event bus to gateway", zap.Error(err))
	}
	go hub.Run(ctx)
	wsHandler := gatewayws.NewHandler(hub, users, log)

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.Correlation())
	router.Use(httpmw.RequestLogger(log, "trinity"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "trinity"})
	})
	router.GET("/ws", wsHandler.HandleConnection)

	public := router.Group("/api/v1")
	authed := router.Group("/api/v1")
	authed.Use(user.JWTAuth(users, log))
	internal := router.Group("/api/v1")
	internal.Use(user.AgentKeyAuth(keys, log))

	user.NewHandler(users, log).RegisterRoutes(public, authed)
	mcp.NewHandler(keys, log).RegisterRoutes(authed, public)
	agenthandlers.NewHandler(manager, perms, dockerClient, agentTransport, codec, agents, users, log).RegisterRoutes(authed)
	schedule.NewHandler(schedules, log).RegisterRoutes(authed)
	activity.NewHandler(activities, log).RegisterRoutes(authed, internal)
	orchestratorhandlers.NewHandler(exec, perms, schedules, log).RegisterRoutes(authed, internal)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("API listening", zap.String("addr", cfg.Server.Addr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	cron.Stop()

	log.Info("Trinity stopped")
}
