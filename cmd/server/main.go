package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/curago/telemed/internal/adapters/auth"
	"github.com/curago/telemed/internal/adapters/chatlog"
	router "github.com/curago/telemed/internal/adapters/http"
	"github.com/curago/telemed/internal/adapters/ice"
	"github.com/curago/telemed/internal/adapters/schedule"
	signalws "github.com/curago/telemed/internal/adapters/signal"
	"github.com/curago/telemed/internal/app"
	"github.com/curago/telemed/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("LOG_LEVEL") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	chat, err := chatlog.Open(cfg.ChatPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open chat store")
	}
	defer func() {
		if err := chat.Close(); err != nil {
			log.Error().Err(err).Msg("chat store close")
		}
	}()

	verifier := auth.NewVerifier(cfg.Secret)
	directory := schedule.NewDirectory()
	iceProv := ice.NewProvider(cfg.ICEServers)

	coord := app.NewCoordinator(verifier, directory, chat, app.CoordinatorConfig{
		GraceWindow:       cfg.GraceWindow,
		NoShowTimeout:     cfg.NoShowTimeout,
		TerminalRetention: cfg.TerminalRetention,
		DefaultCapacity:   cfg.DefaultCapacity,
	}, app.SystemClock())

	// Log every lifecycle transition; recording/notification systems hook in
	// the same way.
	statusCh, unsubscribe := coord.Status().Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range statusCh {
			log.Info().Str("consultation", string(ev.ConsultationID)).
				Str("from", string(ev.From)).Str("to", string(ev.To)).
				Msg("consultation status changed")
		}
	}()

	ctl := signalws.NewController(coord, iceProv, cfg.ReadLimit, cfg.SendQueue, cfg.WriteWait)
	r := router.SetupRouter(ctx, cfg, coord, directory, chat, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("telemed signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	coord.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
