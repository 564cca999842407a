package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/fraudrun/internal/config"
	"github.com/sawpanic/fraudrun/internal/domain"
	"github.com/sawpanic/fraudrun/internal/features"
	"github.com/sawpanic/fraudrun/internal/history"
	"github.com/sawpanic/fraudrun/internal/scoring"
)

// predict scores a single transaction offline, with no history context and
// no side effects. Useful for model sanity checks and CI smoke tests.
func newPredictCmd() *cobra.Command {
	var inputPath string

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Score one transaction JSON offline",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			var raw []byte
			if inputPath == "" || inputPath == "-" {
				raw, err = io.ReadAll(os.Stdin)
			} else {
				raw, err = os.ReadFile(inputPath)
			}
			if err != nil {
				return fmt.Errorf("read transaction: %w", err)
			}

			tx, err := domain.DecodeTransaction(raw)
			if err != nil {
				return err
			}

			weights, err := scoring.LoadWeights(cfg.ModelPath)
			if err != nil {
				return fmt.Errorf("model load: %w", err)
			}
			scorer := scoring.New(scoring.Model(cfg.ModelType), weights)

			vec := features.Extract(tx, history.NewStore(cfg.FeatureWindow).Snapshot(tx))
			score := scorer.Evaluate(vec)

			decision := domain.FraudDecision{
				TransactionID:    tx.TransactionID,
				FraudProbability: score.Probability,
				RiskLevel:        domain.BandFor(score.Probability),
				IsFraud:          score.Probability >= cfg.FraudThreshold,
				Features:         vec.Map(),
				ModelUsed:        string(scorer.Model()),
				Trace:            score.Trace,
				Timestamp:        domain.NewTimestamp(time.Now().UTC()),
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(decision)
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "-", "Transaction JSON file (- for stdin)")
	return cmd
}
