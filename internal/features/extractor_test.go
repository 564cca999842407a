package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fraudrun/internal/domain"
	"github.com/sawpanic/fraudrun/internal/history"
)

// A Wednesday afternoon; mondayWeekday must report 2 and no weekend flag.
var wednesday = time.Date(2024, 3, 6, 14, 30, 0, 0, time.UTC)

func entry(user string, amount float64, at time.Time) history.Entry {
	return history.Entry{Timestamp: at, UserID: user, Amount: amount, Type: domain.TypePayment}
}

func TestExtractFirstEventDefaults(t *testing.T) {
	tx := domain.Transaction{
		TransactionID:   "tx-1",
		UserID:          "u1",
		Amount:          800,
		TransactionType: domain.TypePayment,
		Timestamp:       domain.NewTimestamp(wednesday),
	}

	v := Extract(tx, history.View{})

	assert.Equal(t, 800.0, v[IdxAmount])
	assert.Equal(t, 14.0, v[IdxHourOfDay])
	assert.Equal(t, 2.0, v[IdxDayOfWeek])
	assert.Equal(t, 0.0, v[IdxIsWeekend])
	assert.Equal(t, 1.0, v[IdxTransactionType])

	// The transaction stands in for its own baseline.
	assert.Equal(t, 800.0, v[IdxUserAvgAmount])
	assert.Equal(t, 0.0, v[IdxUserStdAmount])
	assert.Equal(t, 800.0, v[IdxUserMaxAmount])
	assert.Equal(t, 800.0, v[IdxUserMinAmount])
	assert.InDelta(t, 1.0, v[IdxAmountVsAvg], 1e-6)
	assert.Equal(t, 0.0, v[IdxTxnsLastHour])
	assert.Equal(t, 0.0, v[IdxTxnsLastDay])
	assert.Equal(t, 24.0, v[IdxTimeSinceLastTxn])

	// No merchant, no IP.
	assert.Equal(t, 0.0, v[IdxMerchantAvgAmount])
	assert.Equal(t, 0.0, v[IdxIPTxnCount])
	assert.Equal(t, 0.0, v[IdxIPUserRatio])
}

func TestExtractWithHistory(t *testing.T) {
	tx := domain.Transaction{
		TransactionID:   "tx-2",
		UserID:          "u1",
		Amount:          250,
		TransactionType: domain.TypeTransfer,
		MerchantID:      "m1",
		IPAddress:       "10.0.0.1",
		Timestamp:       domain.NewTimestamp(wednesday),
	}

	view := history.View{
		// Arrival order, oldest first; the newest entry is 30 minutes old.
		User: []history.Entry{
			entry("u1", 50, wednesday.Add(-26*time.Hour)),
			entry("u1", 150, wednesday.Add(-2*time.Hour)),
			entry("u1", 100, wednesday.Add(-30*time.Minute)),
		},
		Merchant: []history.Entry{
			entry("u7", 200, wednesday.Add(-3*time.Hour)),
			entry("u8", 400, wednesday.Add(-1*time.Hour)),
		},
		IP: []history.Entry{
			entry("u1", 50, wednesday.Add(-26*time.Hour)),
			entry("u1", 150, wednesday.Add(-2*time.Hour)),
			entry("u2", 75, wednesday.Add(-1*time.Hour)),
		},
	}

	v := Extract(tx, view)

	assert.Equal(t, 2.0, v[IdxTransactionType])
	assert.InDelta(t, 100.0, v[IdxUserAvgAmount], 1e-9)
	// Population std over {50, 150, 100}.
	assert.InDelta(t, math.Sqrt(5000.0/3.0), v[IdxUserStdAmount], 1e-9)
	assert.Equal(t, 150.0, v[IdxUserMaxAmount])
	assert.Equal(t, 50.0, v[IdxUserMinAmount])
	assert.InDelta(t, 2.5, v[IdxAmountVsAvg], 1e-6)

	assert.Equal(t, 1.0, v[IdxTxnsLastHour])
	assert.Equal(t, 2.0, v[IdxTxnsLastDay])
	assert.InDelta(t, 0.5, v[IdxTimeSinceLastTxn], 1e-9)

	assert.InDelta(t, 300.0, v[IdxMerchantAvgAmount], 1e-9)
	assert.InDelta(t, 100.0, v[IdxMerchantStdAmount], 1e-9)

	assert.Equal(t, 3.0, v[IdxIPTxnCount])
	assert.Equal(t, 2.0, v[IdxIPUniqueUsers])
	assert.InDelta(t, 0.5, v[IdxIPUserRatio], 1e-9)
}

func TestExtractWeekend(t *testing.T) {
	saturday := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	sunday := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)

	tx := domain.Transaction{TransactionID: "t", UserID: "u", Amount: 10}

	tx.Timestamp = domain.NewTimestamp(saturday)
	v := Extract(tx, history.View{})
	assert.Equal(t, 5.0, v[IdxDayOfWeek])
	assert.Equal(t, 1.0, v[IdxIsWeekend])

	tx.Timestamp = domain.NewTimestamp(sunday)
	v = Extract(tx, history.View{})
	assert.Equal(t, 6.0, v[IdxDayOfWeek])
	assert.Equal(t, 1.0, v[IdxIsWeekend])
}

func TestExtractMerchantVariants(t *testing.T) {
	base := domain.Transaction{
		TransactionID: "t", UserID: "u", Amount: 120,
		Timestamp: domain.NewTimestamp(wednesday),
	}

	t.Run("no merchant id", func(t *testing.T) {
		v := Extract(base, history.View{
			Merchant: []history.Entry{entry("x", 500, wednesday)},
		})
		assert.Equal(t, 0.0, v[IdxMerchantAvgAmount])
		assert.Equal(t, 0.0, v[IdxMerchantStdAmount])
	})

	t.Run("merchant with no history", func(t *testing.T) {
		tx := base
		tx.MerchantID = "m-new"
		v := Extract(tx, history.View{})
		assert.Equal(t, 120.0, v[IdxMerchantAvgAmount])
		assert.Equal(t, 0.0, v[IdxMerchantStdAmount])
	})
}

func TestExtractNoIPAddress(t *testing.T) {
	tx := domain.Transaction{
		TransactionID: "t", UserID: "u", Amount: 10,
		Timestamp: domain.NewTimestamp(wednesday),
	}
	v := Extract(tx, history.View{
		IP: []history.Entry{entry("u", 10, wednesday)},
	})
	assert.Equal(t, 0.0, v[IdxIPTxnCount])
	assert.Equal(t, 0.0, v[IdxIPUniqueUsers])
	assert.Equal(t, 0.0, v[IdxIPUserRatio])
}

func TestExtractDeterministic(t *testing.T) {
	tx := domain.Transaction{
		TransactionID: "t", UserID: "u", Amount: 333.33,
		MerchantID: "m", IPAddress: "10.0.0.9",
		TransactionType: domain.TypeWithdrawal,
		Timestamp:       domain.NewTimestamp(wednesday),
	}
	view := history.View{
		User:     []history.Entry{entry("u", 100, wednesday.Add(-time.Hour))},
		Merchant: []history.Entry{entry("u", 200, wednesday.Add(-time.Hour))},
		IP:       []history.Entry{entry("u", 300, wednesday.Add(-time.Hour))},
	}

	assert.Equal(t, Extract(tx, view), Extract(tx, view))
}

func TestVectorMap(t *testing.T) {
	var v Vector
	for i := range v {
		v[i] = float64(i)
	}
	m := v.Map()
	require.Len(t, m, Count)
	assert.Equal(t, 0.0, m["amount"])
	assert.Equal(t, float64(IdxTxnsLastHour), m["txns_last_hour"])
	assert.Equal(t, float64(IdxIPUserRatio), m["ip_user_ratio"])
	for _, name := range Names() {
		_, ok := m[name]
		assert.True(t, ok, "missing feature %q", name)
	}
}

func TestSanitizeReplacesNonFinite(t *testing.T) {
	var v Vector
	v[IdxAmount] = math.NaN()
	v[IdxAmountVsAvg] = math.Inf(1)
	v[IdxUserAvgAmount] = 5

	out := v.sanitize()
	assert.Equal(t, 0.0, out[IdxAmount])
	assert.Equal(t, 0.0, out[IdxAmountVsAvg])
	assert.Equal(t, 5.0, out[IdxUserAvgAmount])
}
