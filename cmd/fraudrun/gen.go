package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sawpanic/fraudrun/internal/bus"
	"github.com/sawpanic/fraudrun/internal/config"
	"github.com/sawpanic/fraudrun/internal/gen"
)

func newGenCmd() *cobra.Command {
	var (
		rateFlag  float64
		fraudFlag float64
		seedFlag  int64
	)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Publish synthetic transactions onto the inbound topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			b, err := bus.NewRedis(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer b.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := gen.DefaultOptions()
			opts.Topic = cfg.RedisStreamName
			opts.Rate = rateFlag
			opts.FraudRate = fraudFlag
			if seedFlag != 0 {
				opts.Seed = seedFlag
			}
			return gen.New(opts).Run(ctx, b)
		},
	}

	cmd.Flags().Float64Var(&rateFlag, "rate", 10, "Transactions per second")
	cmd.Flags().Float64Var(&fraudFlag, "fraud-rate", 0.15, "Fraction of injected fraud patterns")
	cmd.Flags().Int64Var(&seedFlag, "seed", 0, "Deterministic RNG seed (0 = time-based)")
	return cmd
}
