package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hively/hively-backend/internal/api"
	"github.com/hively/hively-backend/internal/auth"
	"github.com/hively/hively-backend/internal/category"
	"github.com/hively/hively-backend/internal/community"
	"github.com/hively/hively-backend/internal/config"
	"github.com/hively/hively-backend/internal/delegation"
	"github.com/hively/hively-backend/internal/feedback"
	"github.com/hively/hively-backend/internal/jobs"
	"github.com/hively/hively-backend/internal/log"
	"github.com/hively/hively-backend/internal/media"
	"github.com/hively/hively-backend/internal/metrics"
	"github.com/hively/hively-backend/internal/offer"
	"github.com/hively/hively-backend/internal/points"
	"github.com/hively/hively-backend/internal/post"
	"github.com/hively/hively-backend/internal/storage"
	"github.com/hively/hively-backend/internal/store"
	"github.com/hively/hively-backend/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting Hively API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"version", "v1.0.0",
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("hively-api")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	// Connect to Postgres
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := storage.ConnectPostgres(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		logger.Fatalw("Failed to connect to database", "error", err)
	}
	defer pool.Close()
	logger.Infow("Database connection established")

	// Setup Redis cache (falls back to in-memory when Redis is down)
	cache, err := store.NewCache(cfg.Cache.RedisAddr, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()

	if err := cache.Ping(ctx); err != nil {
		logger.Fatalw("Cache ping failed", "error", err)
	}
	logger.Infow("Cache connection established", "in_memory", cache.IsInMemoryMode())

	// Setup services
	authSvc := auth.NewService(pool, logger, cfg.Auth)
	communitySvc := community.NewService(pool, cache, logger, cfg.Geo)
	categorySvc := category.NewService(pool, cache, logger)
	pointsSvc := points.NewService(pool, cache, logger, cfg.Points)
	delegationSvc := delegation.NewService(pool, cache, logger, cfg.Jobs.DelegationTTL)
	postSvc := post.NewService(pool, cache, categorySvc, delegationSvc, communitySvc, logger)
	offerSvc := offer.NewService(pool, pointsSvc, logger)
	feedbackSvc := feedback.NewService(pool, cache, logger)

	mediaSvc, err := media.NewService(pool, logger, cfg.Media, cfg.PublicURL)
	if err != nil {
		logger.Fatalw("Failed to setup media storage", "error", err)
	}

	// Setup WebSocket hub and SSE handler
	wsHub := ws.NewHub(cache, logger, metricsObj, authSvc, authSvc, cfg.Security.CORSAllowedOrigins)
	sseHandler := ws.NewSSEHandler(cache, logger, authSvc, authSvc, cfg.Security.CORSAllowedOrigins)

	// Create context for background services
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()

	// Start WebSocket hub in background
	go wsHub.Run(hubCtx)

	// Start the expiry sweeper for pending delegations and stale offers
	sweeper := jobs.NewSweeper(delegationSvc, offerSvc, logger, jobs.SweeperConfig{
		Interval:    cfg.Jobs.SweepInterval,
		OfferMaxAge: int(cfg.Jobs.OfferTTL.Hours() / 24),
	})
	go func() {
		if err := sweeper.Start(hubCtx); err != nil && err != context.Canceled {
			logger.Errorw("Expiry sweeper error", "error", err)
		}
	}()

	// Setup API handler and middleware
	handler := api.NewHandler(authSvc, communitySvc, categorySvc, postSvc, pointsSvc, offerSvc, delegationSvc, feedbackSvc, mediaSvc, wsHub, sseHandler, pool, cache, cfg, logger, metricsObj)
	middleware := api.NewMiddleware(logger, metricsObj)

	// Create router with middleware and routes - pass security config to Routes
	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)

	// Log configured CORS origins for easier debugging in dev
	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Add metrics endpoint
	router.Handle("/metrics", metricsHandler)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}
