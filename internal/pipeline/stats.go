package pipeline

import (
	"math"
	"sync/atomic"
	"time"
)

// Stats tracks running counters for the engine. Counters use relaxed atomic
// arithmetic; small read skew between fields is tolerated.
type Stats struct {
	start time.Time

	total       atomic.Int64
	fraud       atomic.Int64
	dropped     atomic.Int64
	decodeErrs  atomic.Int64
	persistErrs atomic.Int64
	riskSumBits atomic.Uint64
}

// NewStats creates stats anchored at now.
func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

func (s *Stats) observe(probability float64, isFraud bool) {
	s.total.Add(1)
	if isFraud {
		s.fraud.Add(1)
	}
	for {
		old := s.riskSumBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + probability)
		if s.riskSumBits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *Stats) markDropped() int64     { return s.dropped.Add(1) }
func (s *Stats) markDecodeError() int64 { return s.decodeErrs.Add(1) }
func (s *Stats) markPersistError() int64 {
	return s.persistErrs.Add(1)
}

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	TotalTransactions int64   `json:"total_transactions"`
	FraudDetected     int64   `json:"fraud_detected"`
	FraudRate         float64 `json:"fraud_rate"`
	AvgRiskScore      float64 `json:"avg_risk_score"`
	DroppedEvents     int64   `json:"dropped_events"`
	DecodeErrors      int64   `json:"decode_errors"`
	PersistErrors     int64   `json:"persist_errors"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// Snapshot reads the counters. Fraud rate is a percentage.
func (s *Stats) Snapshot() Snapshot {
	total := s.total.Load()
	fraud := s.fraud.Load()
	riskSum := math.Float64frombits(s.riskSumBits.Load())

	snap := Snapshot{
		TotalTransactions: total,
		FraudDetected:     fraud,
		DroppedEvents:     s.dropped.Load(),
		DecodeErrors:      s.decodeErrs.Load(),
		PersistErrors:     s.persistErrs.Load(),
		UptimeSeconds:     time.Since(s.start).Seconds(),
	}
	if total > 0 {
		snap.FraudRate = float64(fraud) / float64(total) * 100
		snap.AvgRiskScore = riskSum / float64(total)
	}
	return snap
}
