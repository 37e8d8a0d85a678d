package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-call/config"
	"github.com/mossy-p/webrtc-call/internal/handlers"
	"github.com/mossy-p/webrtc-call/internal/logging"
	"github.com/mossy-p/webrtc-call/internal/redis"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, !cfg.IsProduction(), os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	client, err := redis.Connect(connectCtx, cfg.Redis)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer client.Close()
	log.Info().Str("host", cfg.Redis.Host).Msg("Redis connection established")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := handlers.NewHub(redis.NewPresence(client))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.NewRouter(hub, cfg.JWTSecret, cfg.AllowedOrigins),
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting signaling relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down signaling relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
}
