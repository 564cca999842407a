// Package domain defines the core data model shared across the fraud
// scoring pipeline: inbound transactions, decisions, explanations, and the
// enriched results published downstream.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransactionType enumerates the supported transaction kinds.
type TransactionType string

const (
	TypePayment    TransactionType = "payment"
	TypeTransfer   TransactionType = "transfer"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeDeposit    TransactionType = "deposit"
	TypeRefund     TransactionType = "refund"
)

// Encode returns the numeric encoding used by the feature extractor.
// Unknown types encode to 0.
func (t TransactionType) Encode() float64 {
	switch t {
	case TypePayment:
		return 1
	case TypeTransfer:
		return 2
	case TypeWithdrawal:
		return 3
	case TypeDeposit:
		return 4
	case TypeRefund:
		return 5
	default:
		return 0
	}
}

// Timestamp wraps time.Time to accept ISO-8601 with or without a trailing
// Z or zone offset on the wire. Naive timestamps are interpreted as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// NewTimestamp builds a Timestamp from a time.Time.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{Time: t} }

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			ts.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", raw)
}

// Transaction is the immutable inbound event. Identifiers are unique per
// stream session; out-of-order arrival is tolerated.
type Transaction struct {
	TransactionID    string                 `json:"transaction_id"`
	UserID           string                 `json:"user_id"`
	Amount           float64                `json:"amount"`
	Currency         string                 `json:"currency"`
	TransactionType  TransactionType        `json:"transaction_type"`
	MerchantID       string                 `json:"merchant_id,omitempty"`
	MerchantCategory string                 `json:"merchant_category,omitempty"`
	Location         string                 `json:"location,omitempty"`
	IPAddress        string                 `json:"ip_address,omitempty"`
	DeviceID         string                 `json:"device_id,omitempty"`
	Timestamp        Timestamp              `json:"timestamp"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// DecodeTransaction parses an inbound payload and applies wire defaults.
func DecodeTransaction(payload []byte) (Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	if tx.Currency == "" {
		tx.Currency = "USD"
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = NewTimestamp(time.Now().UTC())
	}
	return tx, tx.Validate()
}

// Validate checks the minimal invariants an event must satisfy before it
// enters the pipeline.
func (tx Transaction) Validate() error {
	if tx.TransactionID == "" {
		return fmt.Errorf("transaction_id is required")
	}
	if tx.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if tx.Amount < 0 {
		return fmt.Errorf("amount must be non-negative, got %f", tx.Amount)
	}
	return nil
}

// RiskBand is the discrete risk category derived from probability.
type RiskBand string

const (
	BandLow      RiskBand = "low"
	BandMedium   RiskBand = "medium"
	BandHigh     RiskBand = "high"
	BandCritical RiskBand = "critical"
)

// BandFor partitions a probability into its risk band. Boundaries are
// closed on the lower side: low <0.30, medium <0.60, high <0.85, else critical.
func BandFor(p float64) RiskBand {
	switch {
	case p < 0.30:
		return BandLow
	case p < 0.60:
		return BandMedium
	case p < 0.85:
		return BandHigh
	default:
		return BandCritical
	}
}

// FraudDecision is the scoring outcome for a single transaction.
type FraudDecision struct {
	TransactionID    string             `json:"transaction_id"`
	FraudProbability float64            `json:"fraud_probability"`
	RiskLevel        RiskBand           `json:"risk_level"`
	IsFraud          bool               `json:"is_fraud"`
	Features         map[string]float64 `json:"features"`
	ModelUsed        string             `json:"model_used"`
	Trace            string             `json:"trace,omitempty"`
	Timestamp        Timestamp          `json:"timestamp"`
}

// Explanation carries the narrative attached to high-risk decisions.
type Explanation struct {
	Narrative       string   `json:"explanation"`
	RiskFactors     []string `json:"risk_factors"`
	Recommendations []string `json:"recommendations"`
}

// EnrichedResult is the flattened artifact published on the results channel
// and retained in the recent ring. merchant_id is null when absent.
type EnrichedResult struct {
	TransactionID    string             `json:"transaction_id"`
	UserID           string             `json:"user_id"`
	Amount           float64            `json:"amount"`
	TransactionType  TransactionType    `json:"transaction_type"`
	MerchantID       *string            `json:"merchant_id"`
	Timestamp        Timestamp          `json:"timestamp"`
	FraudProbability float64            `json:"fraud_probability"`
	RiskLevel        RiskBand           `json:"risk_level"`
	IsFraud          bool               `json:"is_fraud"`
	Features         map[string]float64 `json:"features"`
	ModelUsed        string             `json:"model_used"`

	// Populated only when an explanation was produced.
	AIExplanation   string   `json:"ai_explanation,omitempty"`
	RiskFactors     []string `json:"risk_factors,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// NewEnrichedResult flattens a transaction and its decision. The optional
// explanation may be nil.
func NewEnrichedResult(tx Transaction, d FraudDecision, ex *Explanation) EnrichedResult {
	var merchant *string
	if tx.MerchantID != "" {
		m := tx.MerchantID
		merchant = &m
	}
	res := EnrichedResult{
		TransactionID:    tx.TransactionID,
		UserID:           tx.UserID,
		Amount:           tx.Amount,
		TransactionType:  tx.TransactionType,
		MerchantID:       merchant,
		Timestamp:        tx.Timestamp,
		FraudProbability: d.FraudProbability,
		RiskLevel:        d.RiskLevel,
		IsFraud:          d.IsFraud,
		Features:         d.Features,
		ModelUsed:        d.ModelUsed,
	}
	if ex != nil {
		res.AIExplanation = ex.Narrative
		res.RiskFactors = ex.RiskFactors
		res.Recommendations = ex.Recommendations
	}
	return res
}

// ExplanationEvent is the payload published on the explanations channel for
// decoupled consumers.
type ExplanationEvent struct {
	TransactionID   string   `json:"transaction_id"`
	FraudScore      float64  `json:"fraud_score"`
	RiskLevel       RiskBand `json:"risk_level"`
	Narrative       string   `json:"explanation"`
	RiskFactors     []string `json:"risk_factors"`
	Recommendations []string `json:"recommendations"`
}
