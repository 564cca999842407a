package explain

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/sawpanic/fraudrun/internal/domain"
)

// Template is the network-free explainer. Narratives come from a per-band
// catalog of parameterized strings; catalog selection is keyed on the
// transaction id hash so the output is stable per transaction.
type Template struct{}

// NewTemplate creates the template explainer.
func NewTemplate() *Template { return &Template{} }

// Explain never fails.
func (t *Template) Explain(_ context.Context, req Request) (domain.Explanation, error) {
	top := topFactors(req.Importance, 5)

	reasons := buildReasons(req.Features)
	narrative := narrativeFor(req, reasons)

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

// buildReasons derives the human-readable signals from the raw features.
func buildReasons(f map[string]float64) []string {
	var reasons []string
	if f["amount_vs_avg"] > 3 {
		reasons = append(reasons,
			fmt.Sprintf("Transaction amount is %.1fx the user's typical spending pattern.", f["amount_vs_avg"]))
	}
	if f["txns_last_hour"] > 5 {
		reasons = append(reasons,
			fmt.Sprintf("High transaction velocity detected (%d transactions in the last hour).", int(f["txns_last_hour"])))
	}
	if f["ip_unique_users"] > 3 {
		reasons = append(reasons, "IP address associated with multiple user accounts.")
	}
	if v, ok := f["time_since_last_txn"]; ok && v < 0.01 {
		reasons = append(reasons, "Extremely rapid successive transactions detected.")
	}
	if h := f["hour_of_day"]; h >= 2 && h <= 5 {
		reasons = append(reasons, "Transaction occurred during unusual hours (2 AM - 5 AM).")
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "Statistical anomaly detected in transaction pattern.")
	}
	if len(reasons) > 3 {
		reasons = reasons[:3]
	}
	return reasons
}

// Per-band narrative openers. Selection is deterministic per transaction.
var narrativeCatalog = map[domain.RiskBand][]string{
	domain.BandCritical: {
		"This transaction carries critical fraud risk (score: %.1f%%).",
		"Severe anomaly: the transaction pattern matches known fraud signatures (score: %.1f%%).",
	},
	domain.BandHigh: {
		"This transaction has been flagged as high risk (score: %.1f%%).",
		"Multiple elevated risk signals were observed on this transaction (score: %.1f%%).",
	},
	domain.BandMedium: {
		"This transaction shows moderate risk indicators (score: %.1f%%).",
	},
	domain.BandLow: {
		"This transaction appears consistent with normal behavior (score: %.1f%%).",
	},
}

func narrativeFor(req Request, reasons []string) string {
	catalog := narrativeCatalog[req.RiskLevel]
	if len(catalog) == 0 {
		catalog = narrativeCatalog[domain.BandMedium]
	}
	h := fnv.New32a()
	h.Write([]byte(req.TransactionID))
	opener := fmt.Sprintf(catalog[int(h.Sum32())%len(catalog)], req.Probability*100)

	out := opener
	for _, r := range reasons {
		out += " " + r
	}
	return out
}

func recommendationsFor(band domain.RiskBand) []string {
	switch band {
	case domain.BandCritical:
		return []string{
			"BLOCK: Immediately block this transaction",
			"ALERT: Notify fraud team and user immediately",
			"INVESTIGATE: Conduct thorough account review",
		}
	case domain.BandHigh:
		return []string{
			"HOLD: Place transaction on hold for review",
			"VERIFY: Require additional authentication",
			"MONITOR: Flag account for enhanced monitoring",
		}
	case domain.BandMedium:
		return []string{
			"REVIEW: Manual review recommended",
			"VERIFY: Consider step-up authentication",
			"MONITOR: Track for pattern analysis",
		}
	default:
		return []string{
			"ALLOW: Transaction appears normal",
			"MONITOR: Continue standard monitoring",
		}
	}
}
