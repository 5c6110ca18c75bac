package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/teamexec/internal/api"
	"github.com/nidhogg/teamexec/internal/billing"
	"github.com/nidhogg/teamexec/internal/bus"
	"github.com/nidhogg/teamexec/internal/config"
	"github.com/nidhogg/teamexec/internal/contextstore"
	"github.com/nidhogg/teamexec/internal/engine"
	"github.com/nidhogg/teamexec/internal/metrics"
	"github.com/nidhogg/teamexec/internal/notify"
	"github.com/nidhogg/teamexec/internal/orchestrator"
	"github.com/nidhogg/teamexec/internal/store"
	"github.com/nidhogg/teamexec/internal/suna"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// repository is everything the service needs from persistence.
type repository interface {
	orchestrator.Repository
	billing.Repository
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/teamexec.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting teamexec...", zap.String("config", cfgPath))

	ctx := context.Background()
	health := map[string]api.Pinger{}

	// Persistence
	var repo repository
	var pgStore *store.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Database.Migrations); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			repo = ps
			health["postgres"] = ps
			logger.Info("PostgreSQL connected")
		}
	}
	if repo == nil {
		repo = store.NewMemory()
	}

	// Shared context, message bus and event channel
	var (
		rdb      *redis.Client
		ctxStore contextstore.Store = contextstore.NewMemory()
		busBack  bus.Backend        = bus.NewMemoryBackend()
	)
	if cfg.Database.Redis.URL != "" {
		opts, rErr := redis.ParseURL(cfg.Database.Redis.URL)
		if rErr != nil {
			logger.Fatal("invalid redis url", zap.Error(rErr))
		}
		rdb = redis.NewClient(opts)
		if pErr := rdb.Ping(ctx).Err(); pErr != nil {
			logger.Warn("Redis unavailable, shared state stays in memory", zap.Error(pErr))
			rdb.Close()
			rdb = nil
		} else {
			ctxStore = contextstore.NewRedis(rdb, logger)
			busBack = bus.NewRedisBackend(rdb, 0, logger)
			health["redis"] = redisPinger{rdb}
			logger.Info("Redis connected")
		}
	}
	messageBus := bus.New(busBack, logger)

	// Inference backend and billing
	backend := suna.New(suna.Config{
		Endpoint: cfg.Suna.Endpoint,
		APIKey:   cfg.Suna.APIKey,
		Timeout:  cfg.Suna.Timeout.Std(),
	}, logger)

	pricing, err := pricingFrom(cfg.Pricing)
	if err != nil {
		logger.Fatal("invalid pricing", zap.Error(err))
	}
	budget, err := decimal.NewFromString(cfg.Limits.MonthlyBudgetUSD)
	if err != nil {
		logger.Fatal("invalid monthly budget", zap.String("value", cfg.Limits.MonthlyBudgetUSD), zap.Error(err))
	}
	guard := billing.NewGuard(repo, pricing, billing.Limits{
		MaxConcurrent:    cfg.Limits.MaxConcurrentExecutions,
		MonthlyBudgetUSD: budget,
	}, logger)

	eng := engine.New(backend, ctxStore, messageBus, repo, engine.Config{
		MaxParallel:    cfg.Engine.MaxParallel,
		StepRetries:    *cfg.Engine.StepRetries,
		RetryBackoff:   cfg.Engine.RetryBackoff.Std(),
		PollInterval:   cfg.Engine.PollInterval.Std(),
		StopTimeout:    cfg.Engine.StopTimeout.Std(),
		CallbackURL:    cfg.Server.PublicURL,
		RecentMessages: cfg.Engine.RecentMessages,
	}, logger)

	m := metrics.New()
	fanout := buildNotifier(cfg.Notify, rdb, logger)

	orch := orchestrator.New(repo, eng, backend, guard, orchestrator.Config{
		AdminUsers:  cfg.Limits.AdminUsers,
		StopTimeout: cfg.Engine.StopTimeout.Std(),
	}, logger).WithMetrics(m).WithNotifier(fanout)

	handler := api.NewHandler(orch, guard, ctxStore, messageBus, api.Options{
		Metrics:     m,
		CORSOrigins: cfg.Server.CORSOrigins,
		Health:      health,
		Notifier:    fanout,
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executions did not stop in time", zap.Error(err))
	}
	if err := fanout.Close(); err != nil {
		logger.Warn("closing notifiers", zap.Error(err))
	}
	if rdb != nil {
		rdb.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
	logger.Info("teamexec stopped")
}

func newLogger(level string) *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func pricingFrom(prices map[string]config.PriceConfig) (*billing.Pricing, error) {
	overrides := make(map[string]billing.Price, len(prices))
	for model, p := range prices {
		in, err := decimal.NewFromString(p.Input)
		if err != nil {
			return nil, fmt.Errorf("%s input price: %w", model, err)
		}
		out, err := decimal.NewFromString(p.Output)
		if err != nil {
			return nil, fmt.Errorf("%s output price: %w", model, err)
		}
		overrides[model] = billing.Price{Input: in, Output: out}
	}
	return billing.NewPricing(overrides), nil
}

// buildNotifier registers every configured event sink. Sinks that fail to
// start are logged and skipped.
func buildNotifier(cfg config.NotifyConfig, rdb *redis.Client, logger *zap.Logger) *notify.Fanout {
	fanout := notify.NewFanout(logger)
	if rdb != nil {
		fanout.Register(notify.NewRedisSink(rdb, cfg.RedisChannel, logger))
	}
	if cfg.Slack.Enabled {
		fanout.Register(notify.NewSlackSink(cfg.Slack.BotToken, cfg.Slack.Channel, logger))
		logger.Info("Slack notifications enabled", zap.String("channel", cfg.Slack.Channel))
	}
	if cfg.Discord.Enabled {
		ds, err := notify.NewDiscordSink(cfg.Discord.BotToken, cfg.Discord.Channel, logger)
		if err != nil {
			logger.Warn("Discord notifications disabled", zap.Error(err))
		} else {
			fanout.Register(ds)
			logger.Info("Discord notifications enabled", zap.String("channel", cfg.Discord.Channel))
		}
	}
	return fanout
}
