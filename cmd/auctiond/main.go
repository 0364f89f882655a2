package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/matbid/auction-engine/internal/auction"
	"github.com/matbid/auction-engine/internal/broker"
	"github.com/matbid/auction-engine/internal/config"
	"github.com/matbid/auction-engine/internal/hub"
	"github.com/matbid/auction-engine/internal/metrics"
	"github.com/matbid/auction-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(registry)

	var st store.Store
	if cfg.UseMemoryStore {
		st = store.NewMemoryStore()
		log.Warn().Msg("running on the in-memory store, state will not survive a restart")
	} else {
		pg, err := store.Open(cfg.Database.DSN())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pg.Close()
		st = pg
		log.Info().Str("database", cfg.Database.Database).Msg("connected to database")
	}

	var pub auction.Publisher
	var jsPub *broker.JetStreamPublisher
	if cfg.UseBroker {
		jsCfg := broker.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATSURL
		jsPub, err = broker.NewJetStreamPublisher(jsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create JetStream publisher")
		}
		defer jsPub.Close()
		pub = jsPub
	}

	engine := auction.New(auction.Config{
		LaneBuffer:    cfg.LaneBuffer,
		SubmitTimeout: cfg.SubmitTimeout,
		EventWindow:   cfg.EventWindow,
		RecentBids:    cfg.RecentBids,
	}, clockwork.NewRealClock(), st, pub, collector)

	hubCfg := hub.DefaultConfig()
	hubCfg.ConsumerConfig.URL = cfg.NATSURL
	hubCfg.UseBroker = cfg.UseBroker
	hubService, err := hub.NewService(hubCfg, engine, collector)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create hub service")
	}
	if !cfg.UseBroker {
		// Single-process mode: committed events go straight to the hub.
		engine.SetPublisher(hub.NewBridge(hubService.Manager()))
	}

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start auction engine")
	}
	hubService.Start(ctx)

	srv := setupServer(cfg, hubService, registry)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	hubService.Stop()
	engine.Stop()
}
