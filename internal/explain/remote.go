package explain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/fraudrun/internal/domain"
)

// remoteTimeout is the hard ceiling on a single generation call.
const remoteTimeout = 30 * time.Second

// Remote calls an external text-generation endpoint for the narrative and
// falls back to the template explainer on any failure. Failures never
// propagate to the pipeline; they are logged once per transaction.
type Remote struct {
	url      string
	model    string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	fallback *Template
}

// NewRemote builds a remote explainer targeting an Ollama-style
// /api/generate endpoint.
func NewRemote(url, model string) *Remote {
	settings := gobreaker.Settings{
		Name:     "remote-explainer",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Remote{
		url:      strings.TrimRight(url, "/"),
		model:    model,
		client:   &http.Client{Timeout: remoteTimeout},
		breaker:  gobreaker.NewCircuitBreaker(settings),
		fallback: NewTemplate(),
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Explain attempts the remote call and degrades to the template on any
// failure: non-2xx, timeout, disconnect, decode error, or open breaker.
func (r *Remote) Explain(ctx context.Context, req Request) (domain.Explanation, error) {
	narrative, err := r.generate(ctx, req)
	if err != nil {
		log.Warn().Err(err).
			Str("transaction_id", req.TransactionID).
			Msg("remote explainer failed, falling back to template")
		return r.fallback.Explain(ctx, req)
	}

	top := topFactors(req.Importance, 5)
	riskFactors := make([]string, 0, len(top))
	for _, f := range top {
		riskFactors = append(riskFactors, fmt.Sprintf("%s: %.3f", f.name, f.value))
	}
	return domain.Explanation{
		Narrative:       narrative,
		RiskFactors:     riskFactors,
		Recommendations: recommendationsFor(req.RiskLevel),
	}, nil
}

func (r *Remote) generate(ctx context.Context, req Request) (string, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
		defer cancel()

		body, err := json.Marshal(generateRequest{
			Model:  r.model,
			Prompt: buildPrompt(req),
			Stream: false,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal generate request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost,
			r.url+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build generate request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("remote explainer call: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("remote explainer status %d", resp.StatusCode)
		}

		var gen generateResponse
		if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
			return nil, fmt.Errorf("decode generate response: %w", err)
		}
		if strings.TrimSpace(gen.Response) == "" {
			return nil, fmt.Errorf("remote explainer returned empty response")
		}
		return strings.TrimSpace(gen.Response), nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// buildPrompt frames the decision for the generation model.
func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a fraud detection analyst. Analyze this transaction:\n\n")
	fmt.Fprintf(&b, "Fraud Risk Score: %.2f%%\n", req.Probability*100)
	fmt.Fprintf(&b, "Risk Level: %s\n\n", strings.ToUpper(string(req.RiskLevel)))

	b.WriteString("Top Risk Indicators:\n")
	for _, f := range topFactors(req.Importance, 5) {
		fmt.Fprintf(&b, "- %s: %.3f\n", f.name, f.value)
	}

	fmt.Fprintf(&b, "\nTransaction Details:\n")
	fmt.Fprintf(&b, "- Amount: $%.2f\n", req.Features["amount"])
	fmt.Fprintf(&b, "- Hour: %d\n", int(req.Features["hour_of_day"]))
	fmt.Fprintf(&b, "- Transactions last hour: %d\n", int(req.Features["txns_last_hour"]))
	fmt.Fprintf(&b, "- Amount vs user average: %.2fx\n", req.Features["amount_vs_avg"])

	fmt.Fprintf(&b, "\nProvide a brief explanation of why this transaction is flagged as %s risk.", req.RiskLevel)
	return b.String()
}
