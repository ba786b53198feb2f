package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/moonvale/server/internal/api"
	"github.com/moonvale/server/internal/bus"
	"github.com/moonvale/server/internal/config"
	"github.com/moonvale/server/internal/game"
	"github.com/moonvale/server/internal/store"
	"github.com/moonvale/server/internal/timer"
	"github.com/moonvale/server/internal/voice"
	"github.com/moonvale/server/internal/websocket"
)

func main() {
	_ = godotenv.Load("../../.env")
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	if cfg.Server.Environment == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.Database.ConnectionString())
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	log.Info().Msg("database connected")

	eventBus, err := bus.NewRedis(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to redis bus")
	}
	defer eventBus.Close()

	timers, err := timer.NewRedisQueue(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to redis timer queue")
	}
	log.Info().Msg("redis connected")

	voiceSvc := voice.NewService(&cfg.Agora)
	if !voiceSvc.Enabled() {
		log.Warn().Msg("voice disabled: no agora credentials")
	}

	registry := game.NewRegistry(game.Deps{
		Store:  st,
		Bus:    eventBus,
		Timers: timers,
		Game:   cfg.Game,
	})
	if err := registry.Rehydrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("rehydrate rooms")
	}

	dispatcher := game.NewDispatcher(timers, registry)
	go dispatcher.Run(ctx)
	go registry.RunSweeper(ctx)

	hub := websocket.NewHub(eventBus)
	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error().Err(err).Msg("hub stopped")
		}
	}()

	handler := api.NewHandler(cfg, st, registry, hub, voiceSvc)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Address).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	// Stop accepting traffic first, then release the rooms. Durable
	// timers stay in redis and fire on the next boot.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}

	registry.Shutdown(shutdownCtx)
	cancel()

	log.Info().Msg("server exited")
}
