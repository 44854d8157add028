package trust

import (
	"context"
	"fmt"

	"github.com/fundbridge/allocation-engine/internal/scoring"
)

// DimensionBreakdown is one dimension's contribution to the aggregate score.
type DimensionBreakdown struct {
	Name         string  `json:"name"`
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Explanation is a transparent breakdown of an entity's trust score.
type Explanation struct {
	EntityID       string               `json:"entity_id"`
	Score          float64              `json:"trust_score"`
	GuaranteeTrust float64              `json:"guarantee_trust"`
	BehaviorScore  float64              `json:"behavior_score"`
	Dimensions     []DimensionBreakdown `json:"dimensions"`
	Factors        []string             `json:"factors"`
}

// Explain returns the current score with its per-dimension contributions and
// the dominant factors behind it. Serves the stored score when fresh, so an
// explanation always matches what callers of Get saw.
func (e *Engine) Explain(ctx context.Context, entityID string) (*Explanation, error) {
	ts, err := e.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}

	dims := dimsOf(ts)
	breakdown := []DimensionBreakdown{
		{Name: "identity", Score: dims.Identity, Weight: scoring.WeightIdentity},
		{Name: "transaction", Score: dims.Transaction, Weight: scoring.WeightTransaction},
		{Name: "financial", Score: dims.Financial, Weight: scoring.WeightFinancial},
		{Name: "performance", Score: dims.Performance, Weight: scoring.WeightPerformance},
		{Name: "learning", Score: dims.Learning, Weight: scoring.WeightLearning},
	}
	for i := range breakdown {
		breakdown[i].Contribution = breakdown[i].Score * breakdown[i].Weight
	}

	return &Explanation{
		EntityID:       entityID,
		Score:          ts.Score,
		GuaranteeTrust: scoring.GuaranteeTrust(dims),
		BehaviorScore:  ts.BehaviorScore,
		Dimensions:     breakdown,
		Factors:        factors(dims, ts.BehaviorScore, scoring.GuaranteeTrust(dims)),
	}, nil
}

// factors names the conditions most shaping the score.
func factors(dims scoring.Dimensions, behaviorScore, guaranteeTrust float64) []string {
	var out []string

	switch {
	case dims.Identity >= 90:
		out = append(out, "identity fully verified")
	case dims.Identity < 40:
		out = append(out, "identity verification incomplete")
	}

	if dims.Transaction == scoring.NeutralScore {
		out = append(out, "no transaction history, scored neutral")
	} else if dims.Transaction < 40 {
		out = append(out, "low transaction success rate")
	}

	if dims.Financial < 40 && dims.Financial != scoring.NeutralScore {
		out = append(out, "weak payment punctuality")
	}
	if dims.Performance < 40 && dims.Performance != scoring.NeutralScore {
		out = append(out, "delivery or dispute problems weighing on performance")
	}
	if dims.Learning == 0 {
		out = append(out, "no platform readiness activity yet")
	}

	if behaviorScore > 60 {
		out = append(out, "consistently constructive platform behavior")
	} else if behaviorScore < 40 {
		out = append(out, "behavior flags on recent activity")
	}

	if guaranteeTrust < GuaranteeThreshold {
		out = append(out, fmt.Sprintf("guarantee trust %.1f below bidding threshold %.0f", guaranteeTrust, GuaranteeThreshold))
	}
	return out
}
