package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/telehealth-signaling/config"
	"github.com/mossy-p/telehealth-signaling/internal/auth"
	"github.com/mossy-p/telehealth-signaling/internal/call"
	"github.com/mossy-p/telehealth-signaling/internal/handlers"
	"github.com/mossy-p/telehealth-signaling/internal/middleware"
	"github.com/mossy-p/telehealth-signaling/internal/presence"
	"github.com/mossy-p/telehealth-signaling/internal/redis"
	"github.com/mossy-p/telehealth-signaling/internal/relay"
	"github.com/mossy-p/telehealth-signaling/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Environment != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connection established")

	st := store.New(rdb)
	authenticator := auth.New(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL, st)
	registry := presence.NewRegistry()
	dispatcher := relay.NewDispatcher(registry)
	coordinator := call.NewCoordinator(dispatcher, cfg.RoomIdleTimeout)
	signaling := handlers.NewSignaling(cfg, authenticator, registry, dispatcher, coordinator, st)

	go coordinator.Run(ctx)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", handlers.Login(authenticator,
			int(cfg.AccessTTL/time.Second), int(cfg.RefreshTTL/time.Second)))

		jwtAuth := middleware.JWTAuth(authenticator)
		apiGroup.GET("/presence/:userId", jwtAuth, handlers.GetPresence(registry))
		apiGroup.GET("/notifications", jwtAuth, handlers.GetNotifications(st))
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", signaling.HandleWS)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}
