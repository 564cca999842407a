// Package postgres implements the results repository on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/fraudrun/internal/domain"
	"github.com/sawpanic/fraudrun/internal/persistence"
)

// DefaultTimeout bounds every repository operation so database latency never
// couples into scoring latency.
const DefaultTimeout = 2 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS fraud_results (
	transaction_id    TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	amount            DOUBLE PRECISION NOT NULL,
	transaction_type  TEXT NOT NULL,
	merchant_id       TEXT,
	ts                TIMESTAMPTZ NOT NULL,
	fraud_probability DOUBLE PRECISION NOT NULL,
	risk_level        TEXT NOT NULL,
	is_fraud          BOOLEAN NOT NULL,
	model_used        TEXT NOT NULL,
	ai_explanation    TEXT,
	risk_factors      JSONB,
	recommendations   JSONB,
	features          JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_fraud_results_user ON fraud_results (user_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_fraud_results_ts ON fraud_results (ts DESC);
CREATE INDEX IF NOT EXISTS idx_fraud_results_fraud ON fraud_results (is_fraud) WHERE is_fraud;
`

// Repo is the sqlx-backed results repository.
type Repo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to Postgres, verifies connectivity, and ensures the schema.
func Open(dsn string) (*Repo, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &Repo{db: db, timeout: DefaultTimeout}
	if err := r.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// NewRepo wraps an existing connection; used by tests with sqlmock.
func NewRepo(db *sqlx.DB, timeout time.Duration) *Repo {
	return &Repo{db: db, timeout: timeout}
}

func (r *Repo) ensureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveResult inserts one enriched result. Re-saving the same transaction id
// is tolerated so that restarts replaying a tail of the stream stay
// idempotent.
func (r *Repo) SaveResult(ctx context.Context, res domain.EnrichedResult) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	featuresJSON, err := json.Marshal(res.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	factorsJSON, err := json.Marshal(res.RiskFactors)
	if err != nil {
		return fmt.Errorf("marshal risk factors: %w", err)
	}
	recsJSON, err := json.Marshal(res.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}

	query := `
		INSERT INTO fraud_results
			(transaction_id, user_id, amount, transaction_type, merchant_id, ts,
			 fraud_probability, risk_level, is_fraud, model_used,
			 ai_explanation, risk_factors, recommendations, features)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	var explanation sql.NullString
	if res.AIExplanation != "" {
		explanation = sql.NullString{String: res.AIExplanation, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, query,
		res.TransactionID, res.UserID, res.Amount, res.TransactionType,
		res.MerchantID, res.Timestamp.Time,
		res.FraudProbability, res.RiskLevel, res.IsFraud, res.ModelUsed,
		explanation, factorsJSON, recsJSON, featuresJSON)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

const selectColumns = `
	transaction_id, user_id, amount, transaction_type, merchant_id, ts,
	fraud_probability, risk_level, is_fraud, model_used,
	ai_explanation, risk_factors, recommendations, features`

// RecentResults returns the newest results first.
func (r *Repo) RecentResults(ctx context.Context, limit int) ([]domain.EnrichedResult, error) {
	query := `SELECT` + selectColumns + `
		FROM fraud_results ORDER BY ts DESC LIMIT $1`
	return r.queryResults(ctx, query, limit)
}

// ResultsByUser returns a user's newest results first.
func (r *Repo) ResultsByUser(ctx context.Context, userID string, limit int) ([]domain.EnrichedResult, error) {
	query := `SELECT` + selectColumns + `
		FROM fraud_results WHERE user_id = $1 ORDER BY ts DESC LIMIT $2`
	return r.queryResults(ctx, query, userID, limit)
}

// FraudResults returns results flagged as fraud, newest first.
func (r *Repo) FraudResults(ctx context.Context, limit int) ([]domain.EnrichedResult, error) {
	query := `SELECT` + selectColumns + `
		FROM fraud_results WHERE is_fraud ORDER BY ts DESC LIMIT $1`
	return r.queryResults(ctx, query, limit)
}

// Stats aggregates over all stored results.
func (r *Repo) Stats(ctx context.Context) (persistence.StatsRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_fraud),
		       COALESCE(AVG(fraud_probability), 0)
		FROM fraud_results`

	var row persistence.StatsRow
	err := r.db.QueryRowxContext(ctx, query).
		Scan(&row.TotalTransactions, &row.FraudDetected, &row.AvgRiskScore)
	if err != nil {
		return persistence.StatsRow{}, fmt.Errorf("query stats: %w", err)
	}
	return row, nil
}

// Ping tests connectivity.
func (r *Repo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

// Close releases the connection pool.
func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) queryResults(ctx context.Context, query string, args ...interface{}) ([]domain.EnrichedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []domain.EnrichedResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

func scanResult(rows *sqlx.Rows) (domain.EnrichedResult, error) {
	var (
		res         domain.EnrichedResult
		ts          time.Time
		merchantID  sql.NullString
		explanation sql.NullString
		factorsJSON []byte
		recsJSON    []byte
		featsJSON   []byte
	)
	err := rows.Scan(
		&res.TransactionID, &res.UserID, &res.Amount, &res.TransactionType,
		&merchantID, &ts,
		&res.FraudProbability, &res.RiskLevel, &res.IsFraud, &res.ModelUsed,
		&explanation, &factorsJSON, &recsJSON, &featsJSON)
	if err != nil {
		return domain.EnrichedResult{}, fmt.Errorf("scan result: %w", err)
	}
	res.Timestamp = domain.NewTimestamp(ts)
	if merchantID.Valid {
		res.MerchantID = &merchantID.String
	}
	if explanation.Valid {
		res.AIExplanation = explanation.String
	}
	if len(factorsJSON) > 0 {
		if err := json.Unmarshal(factorsJSON, &res.RiskFactors); err != nil {
			return domain.EnrichedResult{}, fmt.Errorf("unmarshal risk factors: %w", err)
		}
	}
	if len(recsJSON) > 0 {
		if err := json.Unmarshal(recsJSON, &res.Recommendations); err != nil {
			return domain.EnrichedResult{}, fmt.Errorf("unmarshal recommendations: %w", err)
		}
	}
	if len(featsJSON) > 0 {
		if err := json.Unmarshal(featsJSON, &res.Features); err != nil {
			return domain.EnrichedResult{}, fmt.Errorf("unmarshal features: %w", err)
		}
	}
	return res, nil
}
