// Command forwarder is the composition root: it wires configuration,
// the Config Store, the Broker Link, the Epoch Manager, the Consumer
// Registry, the Delivery Loop, the Reconnect Supervisor, and the Control
// API together, the way drlucaa-shopstream's cmd/app/main.go wires its
// own database/eventbus/processor trio.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pedrofnts/queue-consumer/internal/api"
	"github.com/pedrofnts/queue-consumer/internal/config"
	"github.com/pedrofnts/queue-consumer/internal/delivery"
	"github.com/pedrofnts/queue-consumer/internal/epoch"
	"github.com/pedrofnts/queue-consumer/internal/registry"
	"github.com/pedrofnts/queue-consumer/internal/store"
	"github.com/pedrofnts/queue-consumer/internal/supervisor"
	"github.com/pedrofnts/queue-consumer/internal/webhook"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load(".")
	setLogLevel(cfg.LogLevel)

	log.Info().Msg("forwarder starting")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open config store")
	}
	defer st.Close()

	loc, err := time.LoadLocation(cfg.BusinessHoursTZ)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.BusinessHoursTZ).Msg("invalid business hours timezone")
	}

	em := epoch.New()
	reg := registry.New()
	wc := webhook.NewClient(cfg.WebhookTimeout())
	finish := webhook.NewNotifier(cfg.FinishWebhook, cfg.WebhookTimeout())

	loop := delivery.New(em, reg, st, nil, wc, finish, loc)

	sup := supervisor.New(cfg.RabbitMQURL, cfg.MaxReconnectAttempts, em, reg, st, loop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer sup.Close()

	router := api.NewRouter(api.Deps{
		Link:                 sup.Link(),
		Registry:             reg,
		Store:                st,
		Loop:                 loop,
		Epoch:                em,
		DefaultMinIntervalMs: cfg.DefaultMinIntervalMs,
		DefaultMaxIntervalMs: cfg.DefaultMaxIntervalMs,
		Ctx:                  ctx,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("control API server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("forwarder shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control API shutdown error")
	}
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
