package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fraudrun/internal/bus"
	"github.com/sawpanic/fraudrun/internal/domain"
	"github.com/sawpanic/fraudrun/internal/explain"
	"github.com/sawpanic/fraudrun/internal/history"
	"github.com/sawpanic/fraudrun/internal/metrics"
	"github.com/sawpanic/fraudrun/internal/persistence"
	"github.com/sawpanic/fraudrun/internal/ring"
	"github.com/sawpanic/fraudrun/internal/scoring"
)

type fakeStore struct {
	mu    sync.Mutex
	saved []domain.EnrichedResult
}

func (f *fakeStore) SaveResult(_ context.Context, res domain.EnrichedResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, res)
	return nil
}

func (f *fakeStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func (f *fakeStore) RecentResults(context.Context, int) ([]domain.EnrichedResult, error) {
	return nil, nil
}

func (f *fakeStore) ResultsByUser(context.Context, string, int) ([]domain.EnrichedResult, error) {
	return nil, nil
}

func (f *fakeStore) FraudResults(context.Context, int) ([]domain.EnrichedResult, error) {
	return nil, nil
}

func (f *fakeStore) Stats(context.Context) (persistence.StatsRow, error) {
	return persistence.StatsRow{}, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

type testPipeline struct {
	engine       *Engine
	bus          *bus.StubBus
	store        *fakeStore
	results      <-chan []byte
	explanations <-chan []byte
	cancel       context.CancelFunc
	done         chan error
}

func startPipeline(t *testing.T, mutate func(*Options)) *testPipeline {
	t.Helper()

	weights, err := scoring.LoadWeights("")
	require.NoError(t, err)
	scorer := scoring.New(scoring.ModelRuleHybrid, weights)

	opts := DefaultOptions()
	opts.Workers = 2
	opts.ShutdownTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&opts)
	}

	b := bus.NewStub()
	store := &fakeStore{}
	engine := New(opts, b, store, history.NewStore(100), scorer,
		explain.NewTemplate(), ring.New(32), metrics.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	results, err := b.Subscribe(ctx, opts.ResultsTopic)
	require.NoError(t, err)
	explanations, err := b.Subscribe(ctx, opts.ExplanationsTopic)
	require.NoError(t, err)

	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- engine.Run(ctx)
		close(stopped)
	}()

	// Wait until the subscription is live: a malformed payload bumps the
	// decode-error counter without touching any history or stats totals.
	require.Eventually(t, func() bool {
		_ = b.Publish(ctx, opts.TransactionsTopic, []byte("not json"))
		return engine.Stats().DecodeErrors > 0
	}, 2*time.Second, 10*time.Millisecond, "pipeline never became ready")

	tp := &testPipeline{
		engine:       engine,
		bus:          b,
		store:        store,
		results:      results,
		explanations: explanations,
		cancel:       cancel,
		done:         done,
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
		b.Close()
	})
	return tp
}

func (tp *testPipeline) publishTx(t *testing.T, tx domain.Transaction) {
	t.Helper()
	payload, err := json.Marshal(tx)
	require.NoError(t, err)
	require.NoError(t, tp.bus.Publish(context.Background(), tp.engine.opts.TransactionsTopic, payload))
}

func (tp *testPipeline) nextResult(t *testing.T) domain.EnrichedResult {
	t.Helper()
	select {
	case payload := <-tp.results:
		var res domain.EnrichedResult
		require.NoError(t, json.Unmarshal(payload, &res))
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for enriched result")
		return domain.EnrichedResult{}
	}
}

func streamTx(id, user string, amount float64) domain.Transaction {
	return domain.Transaction{
		TransactionID:   id,
		UserID:          user,
		Amount:          amount,
		TransactionType: domain.TypePayment,
		MerchantID:      "m1",
		IPAddress:       "10.0.0.1",
		Timestamp:       domain.NewTimestamp(time.Now().UTC()),
	}
}

func TestEngineScoresStreamEvent(t *testing.T) {
	tp := startPipeline(t, nil)

	tp.publishTx(t, streamTx("tx-big", "alice", 800))
	res := tp.nextResult(t)

	assert.Equal(t, "tx-big", res.TransactionID)
	assert.Equal(t, 0.85, res.FraudProbability)
	assert.Equal(t, domain.BandCritical, res.RiskLevel)
	assert.True(t, res.IsFraud)
	assert.Equal(t, "pretrained_lr", res.ModelUsed)
	assert.NotEmpty(t, res.AIExplanation)
	assert.NotEmpty(t, res.Recommendations)
	assert.Equal(t, 800.0, res.Features["amount"])

	// The explanation also goes out on its own channel.
	select {
	case payload := <-tp.explanations:
		var ev domain.ExplanationEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		assert.Equal(t, "tx-big", ev.TransactionID)
		assert.Equal(t, 0.85, ev.FraudScore)
		assert.NotEmpty(t, ev.Narrative)
	case <-time.After(3 * time.Second):
		t.Fatal("no explanation event published")
	}

	// The result is queryable from the ring and counted in stats.
	recent := tp.engine.Ring().Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "tx-big", recent[0].TransactionID)

	snap := tp.engine.Stats()
	assert.Equal(t, int64(1), snap.TotalTransactions)
	assert.Equal(t, int64(1), snap.FraudDetected)
	assert.InDelta(t, 100.0, snap.FraudRate, 1e-9)
	assert.InDelta(t, 0.85, snap.AvgRiskScore, 1e-9)
}

func TestEngineLowRiskEventHasNoExplanation(t *testing.T) {
	tp := startPipeline(t, nil)

	// Build a modest baseline first so the second event is unremarkable.
	tp.publishTx(t, streamTx("tx-base", "bob", 100))
	base := tp.nextResult(t)
	require.Equal(t, "tx-base", base.TransactionID)

	tp.publishTx(t, streamTx("tx-small", "bob", 95))
	res := tp.nextResult(t)

	assert.Equal(t, "tx-small", res.TransactionID)
	assert.False(t, res.IsFraud)
	assert.Equal(t, domain.BandLow, res.RiskLevel)
	assert.Empty(t, res.AIExplanation)

	select {
	case payload := <-tp.explanations:
		t.Fatalf("unexpected explanation for low-risk event: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEnginePreservesPerUserOrder(t *testing.T) {
	tp := startPipeline(t, nil)

	const perUser = 25
	for i := 0; i < perUser; i++ {
		tp.publishTx(t, streamTx(fmt.Sprintf("alice-%02d", i), "alice", 20+float64(i)))
		tp.publishTx(t, streamTx(fmt.Sprintf("bob-%02d", i), "bob", 20+float64(i)))
	}

	var alice, bob []string
	for len(alice)+len(bob) < 2*perUser {
		res := tp.nextResult(t)
		switch res.UserID {
		case "alice":
			alice = append(alice, res.TransactionID)
		case "bob":
			bob = append(bob, res.TransactionID)
		}
	}

	require.Len(t, alice, perUser)
	require.Len(t, bob, perUser)
	for i := 0; i < perUser; i++ {
		assert.Equal(t, fmt.Sprintf("alice-%02d", i), alice[i])
		assert.Equal(t, fmt.Sprintf("bob-%02d", i), bob[i])
	}
}

func TestEnginePersistsResults(t *testing.T) {
	tp := startPipeline(t, nil)

	tp.publishTx(t, streamTx("tx-save", "carol", 800))
	_ = tp.nextResult(t)

	require.Eventually(t, func() bool {
		return tp.store.savedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	tp.store.mu.Lock()
	defer tp.store.mu.Unlock()
	assert.Equal(t, "tx-save", tp.store.saved[0].TransactionID)
	assert.True(t, tp.store.saved[0].IsFraud)
}

func TestEngineNotifyObserver(t *testing.T) {
	weights, err := scoring.LoadWeights("")
	require.NoError(t, err)

	opts := DefaultOptions()
	engine := New(opts, bus.NewStub(), nil, history.NewStore(10),
		scoring.New(scoring.ModelRuleHybrid, weights), nil, ring.New(8), metrics.NewRegistry())

	var got []string
	engine.SetNotify(func(res domain.EnrichedResult) {
		got = append(got, res.TransactionID)
	})

	_, err = engine.ProcessManual(context.Background(), streamTx("tx-n", "dave", 50))
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-n"}, got)
}

func TestEngineShutdownDrainsInFlight(t *testing.T) {
	tp := startPipeline(t, nil)

	const n = 40
	for i := 0; i < n; i++ {
		tp.publishTx(t, streamTx(fmt.Sprintf("tx-%02d", i), fmt.Sprintf("user-%d", i%5), 30))
	}
	require.Eventually(t, func() bool {
		return tp.engine.Stats().TotalTransactions == int64(n)
	}, 3*time.Second, 10*time.Millisecond)

	tp.cancel()
	select {
	case err := <-tp.done:
		assert.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("engine did not shut down within the deadline")
	}
}

func TestDispatchShedsOldestWhenPartitionFull(t *testing.T) {
	weights, err := scoring.LoadWeights("")
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Workers = 1
	opts.PartitionDepth = 2
	engine := New(opts, bus.NewStub(), nil, history.NewStore(10),
		scoring.New(scoring.ModelRuleHybrid, weights), nil, ring.New(8), metrics.NewRegistry())

	// No workers are running, so the partition fills up.
	engine.dispatch(streamTx("tx-0", "u", 10))
	engine.dispatch(streamTx("tx-1", "u", 10))
	engine.dispatch(streamTx("tx-2", "u", 10))

	assert.Equal(t, int64(1), engine.Stats().DroppedEvents)

	// The oldest event was shed; the two newest remain in order.
	first := <-engine.partitions[0]
	second := <-engine.partitions[0]
	assert.Equal(t, "tx-1", first.TransactionID)
	assert.Equal(t, "tx-2", second.TransactionID)
}

func TestProcessManual(t *testing.T) {
	weights, err := scoring.LoadWeights("")
	require.NoError(t, err)

	opts := DefaultOptions()
	engine := New(opts, bus.NewStub(), nil, history.NewStore(10),
		scoring.New(scoring.ModelRuleHybrid, weights), explain.NewTemplate(),
		ring.New(8), metrics.NewRegistry())

	t.Run("valid transaction", func(t *testing.T) {
		decision, err := engine.ProcessManual(context.Background(), domain.Transaction{
			TransactionID:   "tx-m",
			UserID:          "erin",
			Amount:          800,
			TransactionType: domain.TypePayment,
		})
		require.NoError(t, err)

		assert.Equal(t, "tx-m", decision.TransactionID)
		assert.Equal(t, 0.85, decision.FraudProbability)
		assert.Equal(t, domain.BandCritical, decision.RiskLevel)
		assert.True(t, decision.IsFraud)
		assert.Equal(t, "rule_very_high_amount", decision.Trace)
		assert.Len(t, decision.Features, 18)

		// Manual predictions flow through the same state as stream events.
		assert.Equal(t, 1, engine.Ring().Len())
		assert.Equal(t, int64(1), engine.Stats().TotalTransactions)
	})

	t.Run("invalid transaction", func(t *testing.T) {
		_, err := engine.ProcessManual(context.Background(), domain.Transaction{
			TransactionID: "tx-bad",
			Amount:        5,
		})
		assert.Error(t, err)
	})
}

func TestPartitionForIsStable(t *testing.T) {
	for _, user := range []string{"alice", "bob", "", "user_007"} {
		first := partitionFor(user, 8)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, partitionFor(user, 8))
		}
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
	}
}

func TestStatsSnapshot(t *testing.T) {
	s := NewStats()
	s.observe(0.8, true)
	s.observe(0.2, false)
	s.observe(0.5, true)
	s.markDropped()
	s.markDecodeError()

	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap.TotalTransactions)
	assert.Equal(t, int64(2), snap.FraudDetected)
	assert.InDelta(t, 66.666, snap.FraudRate, 0.01)
	assert.InDelta(t, 0.5, snap.AvgRiskScore, 1e-9)
	assert.Equal(t, int64(1), snap.DroppedEvents)
	assert.Equal(t, int64(1), snap.DecodeErrors)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, 0.0)
}

func TestStatsEmpty(t *testing.T) {
	snap := NewStats().Snapshot()
	assert.Zero(t, snap.TotalTransactions)
	assert.Zero(t, snap.FraudRate)
	assert.Zero(t, snap.AvgRiskScore)
}
