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

	"github.com/getsentry/sentry-go"

	"github.com/use-agent/renderd/api"
	"github.com/use-agent/renderd/api/handler"
	"github.com/use-agent/renderd/api/middleware"
	"github.com/use-agent/renderd/cache"
	"github.com/use-agent/renderd/config"
	"github.com/use-agent/renderd/engine"
	"github.com/use-agent/renderd/logging"
	"github.com/use-agent/renderd/scraper"
	"github.com/use-agent/renderd/store"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	log := logging.Setup(logging.FromConfig(cfg.Log))
	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("mode", cfg.Server.Mode).
		Int("max_concurrent", cfg.Render.MaxConcurrent).
		Str("store", cfg.Store.Backend).
		Msg("renderd starting")

	// ── 3. Error reporting ──────────────────────────────────────────
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     "renderd@" + handler.Version,
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to initialise sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	// ── 4. Engine and shared session (launches browser) ─────────────
	eng := engine.New(engine.ConfigFrom(cfg), scraper.NewFactory(scraper.OptionsFromConfig(cfg)))

	startCtx, startCancel := context.WithTimeout(context.Background(), 60*time.Second)
	sess, err := eng.OpenSession(startCtx)
	startCancel()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("failed to open render session")
	}

	// ── 5. Job store and cache ──────────────────────────────────────
	storeCtx, storeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := store.New(storeCtx, cfg.Store)
	storeCancel()
	if err != nil {
		_ = sess.Close()
		log.Fatal().Err(err).Msg("failed to open job store")
	}
	cc := cache.New(cfg.Cache.MaxEntries)
	rl := middleware.NewRateLimiter(cfg.RateLimit)

	// ── 6. Router ───────────────────────────────────────────────────
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	batches := handler.NewBatches(jobsCtx, eng, sess, st)
	router := api.NewRouter(api.Deps{
		Config:    cfg,
		Engine:    eng,
		Session:   sess,
		Batches:   batches,
		Cache:     cc,
		Limiter:   rl,
		StartTime: time.Now(),
	})

	// ── 7. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// ── 8. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced shutdown")
	} else {
		log.Info().Msg("HTTP server drained gracefully")
	}

	// Running batches resolve their pending units as SessionClosed and
	// record their final status before the store goes away.
	stopJobs()
	if err := sess.Close(); err != nil {
		log.Warn().Err(err).Msg("session close failed")
	}
	batches.Wait()

	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}
	cc.Close()
	rl.Close()
	log.Info().Msg("renderd stopped")
}
