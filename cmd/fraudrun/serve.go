package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/fraudrun/internal/bus"
	"github.com/sawpanic/fraudrun/internal/config"
	"github.com/sawpanic/fraudrun/internal/explain"
	"github.com/sawpanic/fraudrun/internal/history"
	"github.com/sawpanic/fraudrun/internal/httpapi"
	"github.com/sawpanic/fraudrun/internal/metrics"
	"github.com/sawpanic/fraudrun/internal/persistence"
	"github.com/sawpanic/fraudrun/internal/persistence/postgres"
	"github.com/sawpanic/fraudrun/internal/pipeline"
	"github.com/sawpanic/fraudrun/internal/ring"
	"github.com/sawpanic/fraudrun/internal/scoring"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scoring pipeline and query facade",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Model load failure at startup is fatal by policy.
	weights, err := scoring.LoadWeights(cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("model load: %w", err)
	}
	scorer := scoring.New(scoring.Model(cfg.ModelType), weights)

	b, err := bus.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer b.Close()
	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.RedisURL, err)
	}
	log.Info().Str("url", cfg.RedisURL).Msg("connected to redis")

	var store persistence.Store
	if cfg.DatabaseURL != "" {
		repo, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			// Persistence is best effort end to end; start degraded.
			log.Error().Err(err).Msg("database unavailable, persistence disabled")
		} else {
			store = repo
			defer repo.Close()
			log.Info().Msg("postgres persistence enabled")
		}
	} else {
		log.Info().Msg("no database_url configured, persistence disabled")
	}

	var explainer explain.Explainer
	if cfg.EnableAIReasoning {
		switch cfg.AIReasoningMode {
		case "remote":
			explainer = explain.NewRemote(cfg.RemoteExplainerURL, cfg.RemoteExplainerModel)
			log.Info().Str("url", cfg.RemoteExplainerURL).Msg("remote explainer enabled")
		default:
			explainer = explain.NewTemplate()
		}
	}

	reg := metrics.NewRegistry()
	hist := history.NewStore(cfg.FeatureWindow)
	recent := ring.New(cfg.RecentRingSize)

	opts := pipeline.DefaultOptions()
	opts.TransactionsTopic = cfg.RedisStreamName
	opts.ResultsTopic = cfg.RedisResultsStream
	opts.ExplanationsTopic = cfg.ExplanationsStream
	opts.FraudThreshold = cfg.FraudThreshold
	opts.Workers = cfg.Workers
	opts.PartitionDepth = cfg.PartitionDepth
	opts.ShutdownTimeout = cfg.ShutdownTimeout

	engine := pipeline.New(opts, b, store, hist, scorer, explainer, recent, reg)

	hub := httpapi.NewHub()
	engine.SetNotify(hub.Broadcast)

	handlers := httpapi.NewHandlers(engine, store, b, hub)
	server := httpapi.NewServer(
		httpapi.DefaultServerConfig(cfg.HTTPHost, cfg.HTTPPort), handlers, reg.Handler())

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start() }()
	go func() { errCh <- engine.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("component failed")
			stop()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// Engine.Run observes ctx cancellation and drains on its own deadline.
	<-errCh
	return nil
}
