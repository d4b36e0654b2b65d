package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/letterlings/internal/adapters/http"
	"github.com/dkeye/letterlings/internal/adapters/ws"
	"github.com/dkeye/letterlings/internal/app/orch"
	"github.com/dkeye/letterlings/internal/config"
	"github.com/dkeye/letterlings/internal/registry"
	"github.com/dkeye/letterlings/internal/store"
)

type archive interface {
	orch.Archive
	router.Results
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	reg, err := openRegistry(ctx, cfg.Registry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open room registry")
	}
	results, err := openArchive(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open results archive")
	}

	sockets := ws.NewServer(cfg.WS)
	o := orch.New(sockets, reg, cfg.Room)
	o.Archive = results

	r := router.SetupRouter(cfg, router.Deps{Orch: o, Socket: sockets.Handle, Results: results})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go sweep(ctx, o, cfg.Registry.SweepInterval)
	go func() {
		log.Info().Str("addr", addr).Msg("Letterlings server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := o.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("orchestrator shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func openRegistry(ctx context.Context, cfg config.Registry) (registry.Registry, error) {
	opts := registry.Options{TTL: cfg.TTL, Attempts: cfg.Attempts, Addr: cfg.PublicAddr}
	switch cfg.Backend {
	case "", "memory":
		log.Info().Str("module", "registry").Msg("using in-memory registry")
		return registry.NewMemory(opts), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		log.Info().Str("module", "registry").Str("addr", cfg.RedisAddr).Msg("using redis registry")
		return registry.NewRedis(rdb, opts), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}

func openArchive(cfg config.Database) (archive, error) {
	if cfg.DSN == "" {
		log.Info().Str("module", "store").Msg("no database configured, results are not archived")
		return store.Noop{}, nil
	}
	conn, err := store.Open(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(conn); err != nil {
		return nil, err
	}
	return store.New(conn), nil
}

// sweep expires stale registry entries and closes their rooms.
func sweep(ctx context.Context, o *orch.Orchestrator, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.Expire(ctx)
			if err != nil {
				log.Warn().Err(err).Str("module", "registry").Msg("sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Str("module", "registry").Int("expired", n).Msg("sweep")
			}
		}
	}
}
