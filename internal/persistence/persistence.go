// Package persistence defines the storage boundary for enriched results.
// The pipeline treats it as best effort: a failed save never blocks a
// publish.
package persistence

import (
	"context"
	"time"

	"github.com/sawpanic/fraudrun/internal/domain"
)

// SaveTimeout bounds a single best-effort save from the pipeline writer.
const SaveTimeout = 2 * time.Second

// StatsRow aggregates detection statistics over stored results.
type StatsRow struct {
	TotalTransactions int64
	FraudDetected     int64
	AvgRiskScore      float64
}

// Store is the results repository contract.
type Store interface {
	SaveResult(ctx context.Context, res domain.EnrichedResult) error
	RecentResults(ctx context.Context, limit int) ([]domain.EnrichedResult, error)
	ResultsByUser(ctx context.Context, userID string, limit int) ([]domain.EnrichedResult, error)
	FraudResults(ctx context.Context, limit int) ([]domain.EnrichedResult, error)
	Stats(ctx context.Context) (StatsRow, error)
	Ping(ctx context.Context) error
	Close() error
}
