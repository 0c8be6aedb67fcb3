package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ejunz/internal/agent"
	"ejunz/internal/auth"
	"ejunz/internal/config"
	"ejunz/internal/database"
	"ejunz/internal/eventbus"
	"ejunz/internal/gateway"
	"ejunz/internal/logging"
	"ejunz/internal/maintenance"
	"ejunz/internal/mcpserver"
	"ejunz/internal/middleware"
	"ejunz/internal/monitoring"
	"ejunz/internal/store"
	"ejunz/internal/taskqueue"
	"ejunz/internal/toolcall"
	"ejunz/internal/version"
)

func (c *cli) serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the Ejunz Gateway server",
		Long: `Start the gateway. Clients connect at /ws, edge tool hosts at /edge, and
MCP clients at the configured MCP path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServer(cmd.Context())
		},
	}
	cmd.Flags().IntP("port", "p", 0, "HTTP port (overrides the config file)")
	_ = c.v.BindPFlag("port", cmd.Flags().Lookup("port"))
	return cmd
}

func (c *cli) runServer(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := wireApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx); err != nil {
		return fmt.Errorf("gateway failed: %w", err)
	}
	logger.Info("gateway stopped gracefully")
	return nil
}

// app holds the long-lived components of a running gateway
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *sql.DB
	bus     *eventbus.Bus
	gateway *gateway.Gateway

	consumer  *taskqueue.Consumer
	mcp       *mcpserver.Server
	scheduler *maintenance.Scheduler
	rateLimit *middleware.RateLimitMiddleware

	redisClient *redis.Client
	redisBridge *eventbus.RedisBridge
}

func wireApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, db: db}

	st := store.New(db)
	tokens := auth.NewTokenStorage(db)
	metrics := monitoring.NewGatewayMetrics()

	a.bus = eventbus.New(logger.Named("eventbus"), func(string) { metrics.EventDropped() })
	if cfg.EventBus.RedisURL != "" {
		client, err := eventbus.NewRedisClient(cfg.EventBus.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redisClient = client
		a.redisBridge = eventbus.NewRedisBridge(a.bus, client, cfg.EventBus.RedisChannel, logger)
	}

	bridge := toolcall.NewBridge(st, a.bus, toolcall.Hooks{
		OnCall: func(_ string, err error) { metrics.ToolCall(err) },
	}, logger.Named("toolcall"))

	queue := taskqueue.New(db)
	runner := agent.NewOpenAIRunner(cfg.LLM, cfg.Agent.MaxToolRounds, bridge, logger)
	worker := agent.NewWorker(st, runner, bridge, a.bus, agent.WorkerConfig{
		DefaultAgentID: cfg.Agent.DefaultAgentID,
		SystemPrompt:   cfg.Agent.SystemPrompt,
	}, logger)
	a.consumer = taskqueue.NewConsumer(queue, taskqueue.ConsumerConfig{
		PollInterval: cfg.TaskQueue.PollInterval(),
		Workers:      cfg.TaskQueue.Workers,
		OnProcessed:  func(_ taskqueue.Task, err error) { metrics.TaskProcessed(err) },
	}, logger)
	worker.Register(a.consumer)

	var mcpHandler http.Handler
	if cfg.MCP.Enabled {
		a.mcp = mcpserver.New(bridge, version.Info(), logger)
		mcpHandler = a.mcp.Handler()
	}

	if cfg.RateLimiting.Enabled {
		a.rateLimit = middleware.NewRateLimitMiddleware(cfg.RateLimiting, func(r *http.Request, id string, anonymous bool) {
			logger.Info("rate limit exceeded",
				zap.String("path", r.URL.Path), zap.String("identifier", id), zap.Bool("anonymous", anonymous))
		}, logger)
	}

	if cfg.Maintenance.Enabled {
		a.scheduler, err = newMaintenanceScheduler(cfg, db, tokens, st, logger)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.gateway, err = gateway.New(gateway.Options{
		Config:    cfg,
		Validator: tokens,
		Store:     st,
		Bus:       a.bus,
		Bridge:    bridge,
		Chats:     agent.NewDispatcher(st, queue, cfg.Agent.TaskPriority),
		Metrics:   metrics,
		MCP:       mcpHandler,
		RateLimit: a.rateLimit,
		Logger:    logger,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	return a, nil
}

// run serves until ctx is done or the HTTP server fails
func (a *app) run(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.scheduler.Stop(stopCtx); err != nil {
				a.logger.Warn("maintenance scheduler stop", zap.Error(err))
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.consumer.Run(ctx) })
	if a.mcp != nil {
		g.Go(func() error {
			a.mcp.Run(ctx, a.bus)
			return nil
		})
	}
	if a.redisBridge != nil {
		// losing redis degrades to single-process fan-out
		g.Go(func() error {
			if err := a.redisBridge.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("redis event bridge stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error { return a.gateway.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) close() {
	if a.rateLimit != nil {
		a.rateLimit.Stop()
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
}
