// Package pipeline runs the asynchronous scoring loop: subscribe, extract,
// score, explain, persist, publish. Events are partitioned by user id so that
// per-user ordering is preserved while distinct users run in parallel.
package pipeline

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fraudrun/internal/bus"
	"github.com/sawpanic/fraudrun/internal/domain"
	"github.com/sawpanic/fraudrun/internal/explain"
	"github.com/sawpanic/fraudrun/internal/features"
	"github.com/sawpanic/fraudrun/internal/history"
	"github.com/sawpanic/fraudrun/internal/metrics"
	"github.com/sawpanic/fraudrun/internal/persistence"
	"github.com/sawpanic/fraudrun/internal/ring"
	"github.com/sawpanic/fraudrun/internal/scoring"
)

// explainTimeout is the hard ceiling on one explainer invocation.
const explainTimeout = 30 * time.Second

// Options configure the engine.
type Options struct {
	TransactionsTopic  string
	ResultsTopic       string
	ExplanationsTopic  string
	FraudThreshold     float64
	Workers            int
	PartitionDepth     int
	ShutdownTimeout    time.Duration
	SweepInterval      time.Duration
	HistoryRetention   time.Duration
}

// DefaultOptions mirror the documented configuration defaults.
func DefaultOptions() Options {
	return Options{
		TransactionsTopic: "transactions",
		ResultsTopic:      "fraud_results",
		ExplanationsTopic: "fraud_explanations",
		FraudThreshold:    0.35,
		Workers:           4,
		PartitionDepth:    256,
		ShutdownTimeout:   5 * time.Second,
		SweepInterval:     10 * time.Minute,
		HistoryRetention:  24 * time.Hour,
	}
}

// Engine owns all mutable pipeline state: the history store, recent ring,
// stats counters, and the partitioned worker pool. It is constructed once at
// startup and passed to the facade; no process-wide state exists.
type Engine struct {
	opts      Options
	bus       bus.Bus
	store     persistence.Store // nil disables persistence
	history   *history.Store
	scorer    *scoring.Scorer
	explainer explain.Explainer // nil disables explanations
	ring      *ring.Ring
	stats     *Stats
	metrics   *metrics.Registry

	// notify, when set, receives every enriched result (websocket fan-out).
	notify func(domain.EnrichedResult)

	partitions []chan domain.Transaction
	persistCh  chan domain.EnrichedResult

	// procCtx outlives the subscribe context so in-flight events can drain;
	// procCancel fires at the hard shutdown deadline.
	procCtx    context.Context
	procCancel context.CancelFunc
}

// New assembles an engine. store and explainer may be nil.
func New(opts Options, b bus.Bus, store persistence.Store, hist *history.Store,
	scorer *scoring.Scorer, explainer explain.Explainer, rng *ring.Ring,
	reg *metrics.Registry) *Engine {

	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PartitionDepth <= 0 {
		opts.PartitionDepth = 256
	}

	procCtx, procCancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:       opts,
		bus:        b,
		store:      store,
		history:    hist,
		scorer:     scorer,
		explainer:  explainer,
		ring:       rng,
		stats:      NewStats(),
		metrics:    reg,
		persistCh:  make(chan domain.EnrichedResult, 128),
		procCtx:    procCtx,
		procCancel: procCancel,
	}
	e.partitions = make([]chan domain.Transaction, opts.Workers)
	for i := range e.partitions {
		e.partitions[i] = make(chan domain.Transaction, opts.PartitionDepth)
	}
	return e
}

// SetNotify installs the enriched-result observer. Must be called before Run.
func (e *Engine) SetNotify(fn func(domain.EnrichedResult)) { e.notify = fn }

// Stats returns a snapshot of the in-memory counters.
func (e *Engine) Stats() Snapshot { return e.stats.Snapshot() }

// Ring exposes the recent-results ring for the facade.
func (e *Engine) Ring() *ring.Ring { return e.ring }

// ModelType reports the active scoring model tag.
func (e *Engine) ModelType() string { return string(e.scorer.Model()) }

// Run consumes the transaction channel until ctx is cancelled, then drains
// in-flight work up to the shutdown deadline. It returns when the pipeline
// has fully stopped or the deadline has passed.
func (e *Engine) Run(ctx context.Context) error {
	events, err := e.bus.Subscribe(ctx, e.opts.TransactionsTopic)
	if err != nil {
		return err
	}

	persistDone := make(chan struct{})
	persistStop := make(chan struct{})
	go e.persistLoop(persistStop, persistDone)

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		done := make(chan struct{}, len(e.partitions))
		for i := range e.partitions {
			go func(p <-chan domain.Transaction) {
				e.worker(p)
				done <- struct{}{}
			}(e.partitions[i])
		}
		for range e.partitions {
			<-done
		}
	}()

	if e.opts.SweepInterval > 0 {
		go e.sweepLoop(ctx)
	}

	log.Info().
		Str("topic", e.opts.TransactionsTopic).
		Int("workers", e.opts.Workers).
		Msg("pipeline started")

subscribe:
	for {
		select {
		case <-ctx.Done():
			break subscribe
		case payload, ok := <-events:
			if !ok {
				break subscribe
			}
			tx, err := domain.DecodeTransaction(payload)
			if err != nil {
				e.stats.markDecodeError()
				e.metrics.DecodeErrors.Inc()
				log.Warn().Err(err).Msg("dropping malformed transaction")
				continue
			}
			e.dispatch(tx)
		}
	}

	// Stop accepting work, let the partitions drain, then hard-stop.
	for _, p := range e.partitions {
		close(p)
	}
	deadline := time.NewTimer(e.opts.ShutdownTimeout)
	defer deadline.Stop()
	select {
	case <-workersDone:
	case <-deadline.C:
		log.Warn().
			Dur("deadline", e.opts.ShutdownTimeout).
			Msg("shutdown deadline reached, abandoning in-flight events")
	}
	e.procCancel()

	close(persistStop)
	select {
	case <-persistDone:
	case <-time.After(2 * time.Second):
	}

	log.Info().Msg("pipeline stopped")
	return nil
}

// dispatch routes a transaction to its user's partition. A full partition
// sheds its oldest event rather than blocking the subscribe loop.
func (e *Engine) dispatch(tx domain.Transaction) {
	p := e.partitions[partitionFor(tx.UserID, len(e.partitions))]
	select {
	case p <- tx:
		return
	default:
	}
	select {
	case <-p:
		e.stats.markDropped()
		e.metrics.DroppedEvents.Inc()
	default:
	}
	select {
	case p <- tx:
	default:
		e.stats.markDropped()
		e.metrics.DroppedEvents.Inc()
	}
}

func partitionFor(userID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}

// worker drains one partition serially, preserving arrival order per user.
func (e *Engine) worker(partition <-chan domain.Transaction) {
	for tx := range partition {
		e.process(e.procCtx, tx)
	}
}

// process runs the full per-event sequence. It never returns an error:
// every failure mode degrades (heuristic score, template explanation,
// skipped persist) rather than failing the event.
func (e *Engine) process(ctx context.Context, tx domain.Transaction) domain.FraudDecision {
	start := time.Now()

	view := e.history.Snapshot(tx)
	vec := features.Extract(tx, view)
	e.history.Append(tx)

	score := e.scorer.Evaluate(vec)
	band := domain.BandFor(score.Probability)
	isFraud := score.Probability >= e.opts.FraudThreshold

	decision := domain.FraudDecision{
		TransactionID:    tx.TransactionID,
		FraudProbability: score.Probability,
		RiskLevel:        band,
		IsFraud:          isFraud,
		Features:         vec.Map(),
		ModelUsed:        string(e.scorer.Model()),
		Trace:            score.Trace,
		Timestamp:        domain.NewTimestamp(time.Now().UTC()),
	}

	var explanation *domain.Explanation
	if isFraud && e.explainer != nil {
		exCtx, cancel := context.WithTimeout(ctx, explainTimeout)
		ex, err := e.explainer.Explain(exCtx, explain.Request{
			TransactionID: tx.TransactionID,
			Probability:   score.Probability,
			RiskLevel:     band,
			Features:      decision.Features,
			Importance:    e.scorer.Importance(vec),
		})
		cancel()
		if err != nil {
			// Explainers fall back internally; an error here means even the
			// fallback was unavailable. The event proceeds without narrative.
			log.Warn().Err(err).Str("transaction_id", tx.TransactionID).Msg("explanation skipped")
		} else {
			explanation = &ex
		}
	}

	result := domain.NewEnrichedResult(tx, decision, explanation)

	e.ring.Add(result)
	e.metrics.RingSize.Set(float64(e.ring.Len()))
	e.stats.observe(score.Probability, isFraud)
	e.metrics.EventsTotal.WithLabelValues("processed").Inc()
	e.metrics.BandTotal.WithLabelValues(string(band)).Inc()
	if isFraud {
		e.metrics.FraudTotal.Inc()
	}
	e.metrics.ScoreDuration.Observe(time.Since(start).Seconds())

	e.enqueuePersist(result)
	e.publishResult(ctx, result)
	if explanation != nil {
		e.publishExplanation(ctx, tx.TransactionID, decision, *explanation)
	}
	if e.notify != nil {
		e.notify(result)
	}
	return decision
}

func (e *Engine) enqueuePersist(res domain.EnrichedResult) {
	if e.store == nil {
		return
	}
	select {
	case e.persistCh <- res:
	default:
		e.stats.markPersistError()
		e.metrics.PersistErrors.Inc()
		log.Warn().Str("transaction_id", res.TransactionID).Msg("persist queue full, result not stored")
	}
}

func (e *Engine) publishResult(ctx context.Context, res domain.EnrichedResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		log.Error().Err(err).Str("transaction_id", res.TransactionID).Msg("marshal enriched result")
		return
	}
	if err := e.bus.Publish(ctx, e.opts.ResultsTopic, payload); err != nil {
		e.metrics.PublishFailures.Inc()
		log.Error().Err(err).Str("transaction_id", res.TransactionID).Msg("publish result failed")
	}
}

func (e *Engine) publishExplanation(ctx context.Context, txID string, d domain.FraudDecision, ex domain.Explanation) {
	payload, err := json.Marshal(domain.ExplanationEvent{
		TransactionID:   txID,
		FraudScore:      d.FraudProbability,
		RiskLevel:       d.RiskLevel,
		Narrative:       ex.Narrative,
		RiskFactors:     ex.RiskFactors,
		Recommendations: ex.Recommendations,
	})
	if err != nil {
		log.Error().Err(err).Str("transaction_id", txID).Msg("marshal explanation event")
		return
	}
	if err := e.bus.Publish(ctx, e.opts.ExplanationsTopic, payload); err != nil {
		log.Error().Err(err).Str("transaction_id", txID).Msg("publish explanation failed")
	}
}

// persistLoop decouples database latency from scoring latency. Saves are
// bounded to a short deadline and failures are logged and swallowed.
func (e *Engine) persistLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	save := func(res domain.EnrichedResult) {
		ctx, cancel := context.WithTimeout(context.Background(), persistence.SaveTimeout)
		defer cancel()
		if err := e.store.SaveResult(ctx, res); err != nil {
			e.stats.markPersistError()
			e.metrics.PersistErrors.Inc()
			log.Warn().Err(err).Str("transaction_id", res.TransactionID).Msg("persist failed")
		}
	}
	for {
		select {
		case res := <-e.persistCh:
			save(res)
		case <-stop:
			for {
				select {
				case res := <-e.persistCh:
					save(res)
				default:
					return
				}
			}
		}
	}
}

// sweepLoop ages out idle history keys on a fixed cadence.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := e.history.Sweep(e.opts.HistoryRetention)
			e.metrics.HistoryKeys.Set(float64(e.history.ActiveKeys()))
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("history sweep")
			}
		}
	}
}

// ProcessManual scores a single transaction outside the stream. It runs the
// same sequence as stream events: history is read and updated, stats counted,
// and the enriched result published.
func (e *Engine) ProcessManual(ctx context.Context, tx domain.Transaction) (domain.FraudDecision, error) {
	if err := tx.Validate(); err != nil {
		return domain.FraudDecision{}, err
	}
	if tx.Currency == "" {
		tx.Currency = "USD"
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = domain.NewTimestamp(time.Now().UTC())
	}
	return e.process(ctx, tx), nil
}

// ExplainManual invokes the explainer directly for the facade.
func (e *Engine) ExplainManual(ctx context.Context, req explain.Request) (domain.Explanation, error) {
	if e.explainer == nil {
		return explain.NewTemplate().Explain(ctx, req)
	}
	exCtx, cancel := context.WithTimeout(ctx, explainTimeout)
	defer cancel()
	return e.explainer.Explain(exCtx, req)
}
