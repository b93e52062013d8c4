package cascade

import (
	"fmt"
	"math"

	"github.com/JakeFAU/oddfrontier/internal/crawler"
)

// FusionConfig holds the terminal scorer's weights and thresholds. All of
// these come from configuration; nothing is baked in.
type FusionConfig struct {
	// Weights maps a feature family to its coefficient. The family's
	// contribution is weight * family "score" feature.
	Weights map[string]float64
	Bias    float64
	// Score below PersistThreshold skips; at or above LLMGateThreshold
	// escalates; in between persists. AlertThreshold flags a persist or
	// llm outcome for digest inclusion without changing the action.
	PersistThreshold float64
	LLMGateThreshold float64
	AlertThreshold   float64
}

// Validate rejects threshold orderings that would make an action
// unreachable.
func (c FusionConfig) Validate() error {
	if len(c.Weights) == 0 {
		return fmt.Errorf("fusion.weights must not be empty")
	}
	for _, t := range []struct {
		name  string
		value float64
	}{
		{"persist", c.PersistThreshold},
		{"llm_gate", c.LLMGateThreshold},
		{"alert", c.AlertThreshold},
	} {
		if t.value < 0 || t.value > 1 {
			return fmt.Errorf("fusion.thresholds.%s must be in [0, 1]", t.name)
		}
	}
	if c.PersistThreshold >= c.LLMGateThreshold {
		return fmt.Errorf("fusion.thresholds.persist must be < llm_gate")
	}
	return nil
}

// Fusion combines feature-family scores into one oddness score and maps it
// to an action. It is always the cascade's terminal stage.
type Fusion struct {
	cfg FusionConfig
}

// NewFusion constructs the scorer, failing fast on bad thresholds.
func NewFusion(cfg FusionConfig) (*Fusion, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Fusion{cfg: cfg}, nil
}

// Decide computes sigmoid(sum of weighted family scores plus bias) and maps
// it through the thresholds. Contributions and crossed thresholds are
// recorded verbatim so the decision can be replayed from its own record.
func (f *Fusion) Decide(fs *crawler.FeatureSet) crawler.ScoreDecision {
	contributions := make(map[string]float64, len(f.cfg.Weights))
	raw := f.cfg.Bias
	for family, weight := range f.cfg.Weights {
		c := weight * fs.Feature(family, "score")
		contributions[family] = c
		raw += c
	}
	score := sigmoid(raw)

	var action crawler.Action
	switch {
	case score >= f.cfg.LLMGateThreshold:
		action = crawler.ActionLLM
	case score >= f.cfg.PersistThreshold:
		action = crawler.ActionPersist
	default:
		action = crawler.ActionSkip
	}

	hit := map[string]float64{"persist": f.cfg.PersistThreshold}
	if score >= f.cfg.LLMGateThreshold {
		hit["llm_gate"] = f.cfg.LLMGateThreshold
	}
	alert := score >= f.cfg.AlertThreshold && action != crawler.ActionSkip
	if alert {
		hit["alert"] = f.cfg.AlertThreshold
	}

	return crawler.ScoreDecision{
		Score:                score,
		Action:               action,
		Alert:                alert,
		FeatureContributions: contributions,
		ThresholdsHit:        hit,
	}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
