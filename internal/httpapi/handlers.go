package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fraudrun/internal/bus"
	"github.com/sawpanic/fraudrun/internal/domain"
	"github.com/sawpanic/fraudrun/internal/explain"
	"github.com/sawpanic/fraudrun/internal/persistence"
	"github.com/sawpanic/fraudrun/internal/pipeline"
)

const (
	serviceName    = "FraudRun Detection API"
	serviceVersion = "1.0.0"

	defaultRecentLimit = 100
	maxRecentLimit     = 1000
)

// Handlers serves the query surface over the core engine.
type Handlers struct {
	engine *pipeline.Engine
	store  persistence.Store // nil when persistence is disabled
	bus    bus.Bus
	hub    *Hub
}

// NewHandlers wires the facade to its collaborators.
func NewHandlers(engine *pipeline.Engine, store persistence.Store, b bus.Bus, hub *Hub) *Handlers {
	return &Handlers{engine: engine, store: store, bus: b, hub: hub}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"detail": reason})
}

// Root reports service identity.
func (h *Handlers) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": serviceName,
		"version": serviceVersion,
		"model":   h.engine.ModelType(),
		"status":  "running",
	})
}

// Health reports healthy when the transport is reachable and the model is
// loaded, degraded otherwise.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	redisConnected := h.bus.Ping(ctx) == nil
	modelLoaded := h.engine.ModelType() != "fallback_heuristic"

	status := "healthy"
	if !redisConnected || !modelLoaded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"model_loaded":    modelLoaded,
		"redis_connected": redisConnected,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// Stats prefers persistent storage aggregates and falls back to the
// in-memory counters when the database is absent or unavailable.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Stats()
	resp := map[string]interface{}{
		"total_transactions": snap.TotalTransactions,
		"fraud_detected":     snap.FraudDetected,
		"fraud_rate":         snap.FraudRate,
		"avg_risk_score":     snap.AvgRiskScore,
		"model_type":         h.engine.ModelType(),
		"uptime_seconds":     snap.UptimeSeconds,
	}
	if h.store != nil {
		if row, err := h.store.Stats(r.Context()); err == nil {
			resp["total_transactions"] = row.TotalTransactions
			resp["fraud_detected"] = row.FraudDetected
			resp["avg_risk_score"] = row.AvgRiskScore
			if row.TotalTransactions > 0 {
				resp["fraud_rate"] = float64(row.FraudDetected) / float64(row.TotalTransactions) * 100
			} else {
				resp["fraud_rate"] = 0.0
			}
		} else {
			log.Warn().Err(err).Msg("storage stats unavailable, serving in-memory counters")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Recent returns the newest enriched results, ring first, storage as backfill
// when the ring is empty after a restart.
func (h *Handlers) Recent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultRecentLimit)
	results := h.engine.Ring().Recent(limit)
	if len(results) == 0 && h.store != nil {
		stored, err := h.store.RecentResults(r.Context(), limit)
		if err != nil {
			log.Warn().Err(err).Msg("recent results backfill failed")
		} else {
			results = stored
		}
	}
	if results == nil {
		results = []domain.EnrichedResult{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   len(results),
		"limit":   limit,
		"results": results,
	})
}

// UserResults returns a user's stored results, newest first.
func (h *Handlers) UserResults(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence is disabled")
		return
	}
	userID := mux.Vars(r)["id"]
	results, err := h.store.ResultsByUser(r.Context(), userID, parseLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed: "+err.Error())
		return
	}
	if results == nil {
		results = []domain.EnrichedResult{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"total":   len(results),
		"results": results,
	})
}

// FraudResults returns stored results flagged as fraud, newest first.
func (h *Handlers) FraudResults(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence is disabled")
		return
	}
	results, err := h.store.FraudResults(r.Context(), parseLimit(r, defaultRecentLimit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed: "+err.Error())
		return
	}
	if results == nil {
		results = []domain.EnrichedResult{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   len(results),
		"results": results,
	})
}

// Predict scores a single transaction outside the stream.
func (h *Handlers) Predict(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction: "+err.Error())
		return
	}
	decision, err := h.engine.ProcessManual(r.Context(), tx)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "prediction error: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// explainRequest is the manual explanation payload.
type explainRequest struct {
	TransactionID string             `json:"transaction_id"`
	FraudScore    float64            `json:"fraud_score"`
	RiskLevel     domain.RiskBand    `json:"risk_level"`
	Features      map[string]float64 `json:"features"`
	Importance    map[string]float64 `json:"importance"`
}

// Explain invokes the explainer directly.
func (h *Handlers) Explain(w http.ResponseWriter, r *http.Request) {
	var req explainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}
	if req.RiskLevel == "" {
		req.RiskLevel = domain.BandFor(req.FraudScore)
	}
	ex, err := h.engine.ExplainManual(r.Context(), explain.Request{
		TransactionID: req.TransactionID,
		Probability:   req.FraudScore,
		RiskLevel:     req.RiskLevel,
		Features:      req.Features,
		Importance:    req.Importance,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "explanation error: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.ExplanationEvent{
		TransactionID:   req.TransactionID,
		FraudScore:      req.FraudScore,
		RiskLevel:       req.RiskLevel,
		Narrative:       ex.Narrative,
		RiskFactors:     ex.RiskFactors,
		Recommendations: ex.Recommendations,
	})
}

// Live streams enriched results over a websocket.
func (h *Handlers) Live(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}

// NotFound keeps 404 responses JSON-shaped.
func (h *Handlers) NotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > maxRecentLimit {
		return maxRecentLimit
	}
	return n
}
