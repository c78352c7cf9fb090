package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/meeting-signaling/config"
	"github.com/mossy-p/meeting-signaling/internal/handlers"
	"github.com/mossy-p/meeting-signaling/internal/hub"
	"github.com/mossy-p/meeting-signaling/internal/metrics"
	"github.com/mossy-p/meeting-signaling/internal/middleware"
	"github.com/mossy-p/meeting-signaling/internal/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		slog.Error("failed to build logger", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	store, err := redis.Connect(ctx, cfg.Redis, cfg.MeetingTTL)
	if err != nil {
		logger.Error("failed to connect to Redis", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("redis connection established", "host", cfg.Redis.Host, "port", cfg.Redis.Port)

	m := metrics.New()
	h := hub.New(hub.Config{
		MaxParticipants: cfg.MaxParticipants,
		Presence:        store,
		Metrics:         m,
		Logger:          logger,
	})
	meetings := handlers.NewMeetings(h, store, cfg.MaxParticipants, m, logger)
	sig := handlers.NewSignaling(h, handlers.SignalingOptions{
		PingInterval: cfg.PingInterval,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Metrics:      m,
		Logger:       logger,
	})

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.PrometheusHandler(m)))

	// Meeting management API
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))

		// Reserve a meeting code (requires JWT)
		apiGroup.POST("/meetings", middleware.JWTAuth(cfg.JWTSecret), meetings.CreateMeeting)

		// Get meeting info (public)
		apiGroup.GET("/meetings/:meetingId", meetings.GetMeeting)

		// End a meeting (requires JWT, creator only)
		apiGroup.DELETE("/meetings/:meetingId", middleware.JWTAuth(cfg.JWTSecret), meetings.EndMeeting)
	}

	// WebSocket signaling endpoint; meetings are chosen per message
	router.GET("/ws/signal", sig.HandleSignaling)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "err", err)
		}
	}()

	// Start server
	logger.Info("starting meeting signaling server", "port", cfg.Port, "environment", cfg.Environment)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
