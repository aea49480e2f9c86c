package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"distribuidora/backend/internal/cache"
	"distribuidora/backend/internal/cart"
	"distribuidora/backend/internal/config"
	"distribuidora/backend/internal/httpapi"
	"distribuidora/backend/internal/logger"
	"distribuidora/backend/internal/service"
	"distribuidora/backend/internal/store"
	"distribuidora/backend/internal/store/memory"
	pgstore "distribuidora/backend/internal/store/postgres"
)

const janitorInterval = time.Minute

func main() {
	cfg, err := config.Load(".env")
	logger.Init(cfg.AppEnv)
	defer logger.Sync()
	log := logger.L()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	application, err := newApp(startCtx, cfg)
	cancel()
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           application.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("order backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve http")
		}
		return nil
	})
	group.Go(func() error {
		application.carts.Run(groupCtx, janitorInterval, func(removed int) {
			log.Info("idle carts discarded", zap.Int("count", removed))
		})
		return nil
	})
	group.Go(func() error {
		application.runJanitor(groupCtx, janitorInterval)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
	}

	for _, closeFn := range application.closers {
		if err := closeFn(); err != nil {
			log.Warn("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

type app struct {
	api     *httpapi.API
	carts   *cart.Registry
	guard   cache.SubmissionGuard
	closers []func() error
}

// newApp wires storage, the submission guard and the HTTP API. A configured
// DATABASE_URL must be reachable; Redis falls back to the in-process guard.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	log := logger.L()
	a := &app{}

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		repo = pg
		a.closers = append(a.closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	a.guard = cache.NewMemorySubmissionGuard()
	if cfg.RedisAddr != "" {
		redisGuard := cache.NewRedisSubmissionGuard(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisGuard.Ping(ctx); err != nil {
			log.Warn("redis unavailable, submission guard is per-process", zap.Error(err))
			_ = redisGuard.Close()
		} else {
			a.guard = redisGuard
			a.closers = append(a.closers, redisGuard.Close)
			log.Info("submission guard: redis")
		}
	} else {
		log.Info("submission guard: memory")
	}

	log.Info("order policy",
		zap.Bool("enforce_credit_limit", cfg.EnforceCreditLimit),
		zap.Duration("submission_ttl", cfg.SubmissionTTL()),
		zap.Duration("cart_idle_ttl", cfg.CartIdleTTL()),
	)

	a.carts = cart.NewRegistry(cfg.CartIdleTTL())
	svc := service.New(repo, a.guard, a.carts, service.Options{
		EnforceCreditLimit: cfg.EnforceCreditLimit,
		SubmissionTTL:      cfg.SubmissionTTL(),
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	a.api = httpapi.New(svc, auth, cfg.AllowedOrigin, cfg.LoginRatePerMinute)
	return a, nil
}

// runJanitor expires in-process submission keys and idle login buckets.
func (a *app) runJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.sweep(now)
		}
	}
}

func (a *app) sweep(now time.Time) (guardKeys int, limiterKeys int) {
	if guard, ok := a.guard.(*cache.MemorySubmissionGuard); ok {
		guardKeys = guard.Sweep()
	}
	return guardKeys, a.api.SweepLimiters(now)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return errors.New("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
