package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mrgoonie/devpocket-server/internal/app/migrate"
	httpx "github.com/mrgoonie/devpocket-server/internal/http"
	"github.com/mrgoonie/devpocket-server/internal/kubeconfig"
	"github.com/mrgoonie/devpocket-server/internal/repository/postgres"
	"github.com/mrgoonie/devpocket-server/internal/service/auth"
	"github.com/mrgoonie/devpocket-server/internal/service/cluster"
	"github.com/mrgoonie/devpocket-server/internal/service/environment"
	"github.com/mrgoonie/devpocket-server/pkg/config"
	"github.com/mrgoonie/devpocket-server/pkg/crypto"
	"github.com/mrgoonie/devpocket-server/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	cipher, err := crypto.New(crypto.Config{MasterSecret: cfg.MasterSecret})
	if err != nil {
		log.Error("failed to initialize credential cipher", "error", err)
		os.Exit(1)
	}
	parser := kubeconfig.New(log.With("component", "kubeconfig"), cfg.DefaultRegion)

	connManager := cluster.NewManager(repo, cipher, log.With("component", "cluster"), cfg.ConnectTimeout)
	clusterSvc := cluster.NewRegistry(repo, cipher, parser, connManager, log.With("component", "cluster"))
	authSvc := auth.New(repo, log.With("component", "auth"), cfg)
	environmentSvc := environment.New(repo, connManager, log.With("component", "environment"), cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, clusterSvc, environmentSvc, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
