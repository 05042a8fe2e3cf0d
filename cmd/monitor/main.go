package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/splax/callwatch/internal/app/migrate"
	httpx "github.com/splax/callwatch/internal/http"
	"github.com/splax/callwatch/internal/identity"
	"github.com/splax/callwatch/internal/intercept"
	"github.com/splax/callwatch/internal/mirror"
	"github.com/splax/callwatch/internal/monitor"
	"github.com/splax/callwatch/internal/realtime"
	"github.com/splax/callwatch/internal/repository"
	"github.com/splax/callwatch/internal/repository/memory"
	"github.com/splax/callwatch/internal/repository/postgres"
	"github.com/splax/callwatch/internal/repository/redisstream"
	"github.com/splax/callwatch/pkg/config"
	"github.com/splax/callwatch/pkg/logger"
)

// sharedStore is the configured change-stream backend plus its health check and cleanup.
type sharedStore struct {
	repo   repository.CallEventRepository
	health func(context.Context) error
	close  func()
}

func main() {
	cfg, err := config.LoadMonitorConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("monitor", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open shared store", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer store.close()

	pairs, err := cfg.BackendMap()
	if err != nil {
		log.Error("invalid backend mapping", "error", err)
		os.Exit(1)
	}

	ident := identity.New(identity.Options{
		PCName:    cfg.PCName,
		User:      cfg.User,
		AuthToken: cfg.AuthToken,
		JWTSecret: cfg.JWTSecret,
		Logger:    log,
	})

	mopts := monitor.Options{
		Identity:         ident,
		Store:            store.repo,
		Backends:         intercept.NewBackendMap(pairs),
		HistorySize:      cfg.HistorySize,
		BacklogWindow:    time.Duration(cfg.BacklogWindow) * time.Minute,
		BacklogLimit:     cfg.BacklogLimit,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
		ReconnectJitter:  cfg.ReconnectJitter,
		QueueSize:        cfg.AppendQueue,
		AppendTimeout:    cfg.AppendTimeout,
		Registerer:       prometheus.DefaultRegisterer,
		Logger:           log,
	}
	var mirrors mirror.Fanout
	if k := mirror.NewKafka(cfg.KafkaBrokerList(), cfg.KafkaTopic); k != nil {
		mirrors = append(mirrors, k)
		defer k.Close()
		log.Info("kafka mirror enabled", "topic", cfg.KafkaTopic)
	}
	if hook := mirror.NewWebhook(cfg.WebhookURL, cfg.WebhookToken, nil); hook != nil {
		mirrors = append(mirrors, hook)
		log.Info("webhook mirror enabled", "url", cfg.WebhookURL)
	}
	if len(mirrors) > 0 {
		mopts.Mirror = mirrors
	}
	mon := monitor.New(mopts)
	defer func() {
		if err := mon.Close(); err != nil {
			log.Warn("monitor close failed", "error", err)
		}
	}()
	mon.InstallDefault()

	log.Info("monitor identity resolved", "pc_name", mon.PCName(), "user", mon.CurrentUser())

	if err := mon.InitializeRealtimeSync(ctx); err != nil && !errors.Is(err, realtime.ErrNotConfigured) {
		log.Error("realtime sync failed to start", "error", err)
		os.Exit(1)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Options{
		Monitor:     mon,
		Logger:      log,
		Limiter:     limiter,
		Gatherer:    prometheus.DefaultGatherer,
		Registerer:  prometheus.DefaultRegisterer,
		StoreHealth: store.health,
		JWTSecret:   cfg.JWTSecret,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("monitor server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})
	if cfg.Store != config.StoreMemory {
		pruner := realtime.NewPruner(store.repo, cfg.Retention, cfg.PruneEvery, log)
		g.Go(func() error { return pruner.Run(gctx) })
	}
	if targets := cfg.ProbeTargetList(); len(targets) > 0 {
		p := newProber(http.DefaultClient, targets, cfg.ProbeEvery, log)
		g.Go(func() error { return p.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Error("monitor stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("monitor stopped")
}

func openStore(ctx context.Context, cfg *config.MonitorConfig, log *slog.Logger) (sharedStore, error) {
	switch cfg.Store {
	case config.StorePostgres:
		if cfg.AutoMigrate {
			runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
			if err != nil {
				return sharedStore{}, err
			}
			if err := runner.Ensure(ctx); err != nil {
				return sharedStore{}, err
			}
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return sharedStore{}, fmt.Errorf("connect database: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return sharedStore{}, fmt.Errorf("database ping: %w", err)
		}
		return sharedStore{
			repo:   postgres.New(pool, cfg.EventChannel, log),
			health: pool.Ping,
			close:  pool.Close,
		}, nil
	case config.StoreRedis:
		repo, err := redisstream.Dial(ctx, redisstream.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			MaxLen:   cfg.RedisStreamMax,
			Logger:   log,
		})
		if err != nil {
			return sharedStore{}, err
		}
		return sharedStore{
			repo:   repo,
			health: repo.Ping,
			close:  func() { _ = repo.Close() },
		}, nil
	default:
		log.Warn("using in-process store, events are not shared with other instances")
		return sharedStore{repo: memory.NewBroker(), close: func() {}}, nil
	}
}
