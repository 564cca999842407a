// Package features maps a transaction plus its history snapshot to the
// fixed 18-feature vector consumed by the scoring model.
package features

import (
	"math"
	"time"

	"github.com/sawpanic/fraudrun/internal/domain"
	"github.com/sawpanic/fraudrun/internal/history"
)

// Count is the fixed length of the feature vector.
const Count = 18

// Feature indices. Order is part of the wire contract and never changes.
const (
	IdxAmount = iota
	IdxHourOfDay
	IdxDayOfWeek
	IdxIsWeekend
	IdxTransactionType
	IdxUserAvgAmount
	IdxUserStdAmount
	IdxUserMaxAmount
	IdxUserMinAmount
	IdxAmountVsAvg
	IdxTxnsLastHour
	IdxTxnsLastDay
	IdxTimeSinceLastTxn
	IdxMerchantAvgAmount
	IdxMerchantStdAmount
	IdxIPTxnCount
	IdxIPUniqueUsers
	IdxIPUserRatio
)

var names = [Count]string{
	"amount", "hour_of_day", "day_of_week", "is_weekend",
	"transaction_type", "user_avg_amount", "user_std_amount",
	"user_max_amount", "user_min_amount", "amount_vs_avg",
	"txns_last_hour", "txns_last_day", "time_since_last_txn",
	"merchant_avg_amount", "merchant_std_amount",
	"ip_txn_count", "ip_unique_users", "ip_user_ratio",
}

// Names returns the canonical feature ordering.
func Names() [Count]string { return names }

// Vector is an ordered feature vector. Every element is a finite float;
// missing inputs substitute documented defaults, never NaN.
type Vector [Count]float64

// Map converts the vector to the name-keyed object used on the wire.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, Count)
	for i, name := range names {
		m[name] = v[i]
	}
	return m
}

// Extract computes the feature vector for a transaction against a history
// view taken strictly before the transaction was appended.
func Extract(tx domain.Transaction, view history.View) Vector {
	var v Vector

	now := tx.Timestamp.Time
	v[IdxAmount] = tx.Amount
	v[IdxHourOfDay] = float64(now.Hour())
	v[IdxDayOfWeek] = float64(mondayWeekday(now))
	if v[IdxDayOfWeek] >= 5 {
		v[IdxIsWeekend] = 1.0
	}
	v[IdxTransactionType] = tx.TransactionType.Encode()

	if len(view.User) > 0 {
		avg, std, max, min := amountStats(view.User)
		v[IdxUserAvgAmount] = avg
		v[IdxUserStdAmount] = std
		v[IdxUserMaxAmount] = max
		v[IdxUserMinAmount] = min
		v[IdxTxnsLastHour] = countWithin(view.User, now, time.Hour)
		v[IdxTxnsLastDay] = countWithin(view.User, now, 24*time.Hour)
		last := view.User[len(view.User)-1].Timestamp
		v[IdxTimeSinceLastTxn] = now.Sub(last).Hours()
	} else {
		// First event for this user: the transaction stands in for its own
		// baseline so the vector shape stays invariant.
		v[IdxUserAvgAmount] = tx.Amount
		v[IdxUserStdAmount] = 0
		v[IdxUserMaxAmount] = tx.Amount
		v[IdxUserMinAmount] = tx.Amount
		v[IdxTxnsLastHour] = 0
		v[IdxTxnsLastDay] = 0
		v[IdxTimeSinceLastTxn] = 24.0
	}
	v[IdxAmountVsAvg] = tx.Amount / (v[IdxUserAvgAmount] + 1e-6)

	switch {
	case tx.MerchantID == "":
		v[IdxMerchantAvgAmount] = 0
		v[IdxMerchantStdAmount] = 0
	case len(view.Merchant) == 0:
		v[IdxMerchantAvgAmount] = tx.Amount
		v[IdxMerchantStdAmount] = 0
	default:
		avg, std, _, _ := amountStats(view.Merchant)
		v[IdxMerchantAvgAmount] = avg
		v[IdxMerchantStdAmount] = std
	}

	if tx.IPAddress != "" {
		v[IdxIPTxnCount] = float64(len(view.IP))
		unique := uniqueUsers(view.IP)
		v[IdxIPUniqueUsers] = float64(unique)
		v[IdxIPUserRatio] = float64(unique) / (float64(len(view.IP)) + 1)
	}

	return v.sanitize()
}

// sanitize replaces any non-finite value with zero. Never expected to fire;
// it exists to keep NaN off the wire no matter what.
func (v Vector) sanitize() Vector {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
	return v
}

// mondayWeekday maps Go's Sunday-based weekday to Monday=0 .. Sunday=6.
func mondayWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func amountStats(entries []history.Entry) (avg, std, max, min float64) {
	max = entries[0].Amount
	min = entries[0].Amount
	sum := 0.0
	for _, e := range entries {
		sum += e.Amount
		if e.Amount > max {
			max = e.Amount
		}
		if e.Amount < min {
			min = e.Amount
		}
	}
	avg = sum / float64(len(entries))
	if len(entries) < 2 {
		return avg, 0, max, min
	}
	varSum := 0.0
	for _, e := range entries {
		d := e.Amount - avg
		varSum += d * d
	}
	// Population standard deviation.
	std = math.Sqrt(varSum / float64(len(entries)))
	return avg, std, max, min
}

func countWithin(entries []history.Entry, now time.Time, window time.Duration) float64 {
	n := 0
	for _, e := range entries {
		if now.Sub(e.Timestamp) < window {
			n++
		}
	}
	return float64(n)
}

func uniqueUsers(entries []history.Entry) int {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.UserID] = struct{}{}
	}
	return len(seen)
}
