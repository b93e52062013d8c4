package cascade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/oddfrontier/internal/crawler"
	"github.com/JakeFAU/oddfrontier/internal/dedup"
	"github.com/JakeFAU/oddfrontier/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func defaultFusion(t *testing.T) *Fusion {
	t.Helper()
	f, err := NewFusion(FusionConfig{
		Weights:          map[string]float64{"retro_html": 2.0},
		Bias:             -1.0,
		PersistThreshold: 0.35,
		LLMGateThreshold: 0.60,
		AlertThreshold:   0.80,
	})
	require.NoError(t, err)
	return f
}

func featureSet(families map[string]map[string]float64, text string) *crawler.FeatureSet {
	return &crawler.FeatureSet{
		URL:      "http://example.org/page",
		Families: families,
		Text:     text,
	}
}

type stubStage struct {
	name   string
	result crawler.StageResult
	calls  int
}

func (s *stubStage) Name() string { return s.name }

func (s *stubStage) Evaluate(_ context.Context, _ *crawler.FeatureSet) crawler.StageResult {
	s.calls++
	return s.result
}

type panicStage struct{ name string }

func (p *panicStage) Name() string { return p.name }

func (p *panicStage) Evaluate(_ context.Context, _ *crawler.FeatureSet) crawler.StageResult {
	panic("bad feature math")
}

func TestFusionEscalatesRetroPage(t *testing.T) {
	c, err := New(defaultFusion(t), nil, zap.NewNop())
	require.NoError(t, err)

	// retro_html at full score with weight 2 and bias -1 lands at
	// sigmoid(1.0), just past the llm gate.
	fs := featureSet(map[string]map[string]float64{
		"retro_html": {"score": 1.0},
	}, "")
	dec := c.Run(context.Background(), fs)

	require.InDelta(t, 0.731, dec.Score, 0.001)
	require.Equal(t, crawler.ActionLLM, dec.Action)
	require.False(t, dec.Alert)
	require.InDelta(t, 2.0, dec.FeatureContributions["retro_html"], 1e-9)
	require.Equal(t, 0.35, dec.ThresholdsHit["persist"])
	require.Equal(t, 0.60, dec.ThresholdsHit["llm_gate"])
	require.NotContains(t, dec.ThresholdsHit, "alert")
}

func TestFusionActionBands(t *testing.T) {
	fusion, err := NewFusion(FusionConfig{
		Weights:          map[string]float64{"semantic": 1.0},
		PersistThreshold: 0.35,
		LLMGateThreshold: 0.60,
		AlertThreshold:   0.80,
	})
	require.NoError(t, err)

	cases := []struct {
		name   string
		score  float64
		action crawler.Action
		alert  bool
	}{
		{"dull page skips", -3.0, crawler.ActionSkip, false},
		{"middling page persists", 0.0, crawler.ActionPersist, false},
		{"odd page escalates", 1.0, crawler.ActionLLM, false},
		{"very odd page alerts", 3.0, crawler.ActionLLM, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := fusion.Decide(featureSet(map[string]map[string]float64{
				"semantic": {"score": tc.score},
			}, ""))
			require.Equal(t, tc.action, dec.Action)
			require.Equal(t, tc.alert, dec.Alert)
		})
	}
}

func TestFusionMonotonic(t *testing.T) {
	fusion := defaultFusion(t)
	prev := -1.0
	for v := 0.0; v <= 1.0; v += 0.1 {
		dec := fusion.Decide(featureSet(map[string]map[string]float64{
			"retro_html": {"score": v},
		}, ""))
		require.GreaterOrEqual(t, dec.Score, prev, "positive weight must never decrease the score")
		prev = dec.Score
	}
}

func TestFusionConfigValidate(t *testing.T) {
	bad := FusionConfig{
		Weights:          map[string]float64{"semantic": 1},
		PersistThreshold: 0.7,
		LLMGateThreshold: 0.6,
		AlertThreshold:   0.8,
	}
	require.Error(t, bad.Validate())

	bad.PersistThreshold = -0.1
	require.Error(t, bad.Validate())

	require.Error(t, FusionConfig{}.Validate())
}

func TestCascadeShortCircuitSkipsLaterStages(t *testing.T) {
	early := &stubStage{name: "structure", result: crawler.StageResult{
		Stage: "structure", Verdict: crawler.VerdictSkip, Reason: "script_ratio>0.55",
	}}
	late := &stubStage{name: "keywords", result: crawler.StageResult{
		Stage: "keywords", Verdict: crawler.VerdictPass,
	}}
	c, err := New(defaultFusion(t), nil, zap.NewNop(), early, late)
	require.NoError(t, err)

	dec := c.Run(context.Background(), featureSet(map[string]map[string]float64{
		"retro_html": {"score": 1.0},
	}, ""))

	require.Equal(t, crawler.ActionSkip, dec.Action)
	require.Zero(t, dec.Score, "fusion must not run after a skip")
	require.Zero(t, late.calls)
	require.Len(t, dec.StageTrace, 1)
	require.Equal(t, "script_ratio>0.55", dec.StageTrace[0].Reason)
}

func TestCascadeWarnContinues(t *testing.T) {
	warning := &stubStage{name: "structure", result: crawler.StageResult{
		Stage: "structure", Verdict: crawler.VerdictWarn, Reason: "text_density<0.02 escape:retro",
	}}
	c, err := New(defaultFusion(t), nil, zap.NewNop(), warning)
	require.NoError(t, err)

	dec := c.Run(context.Background(), featureSet(map[string]map[string]float64{
		"retro_html": {"score": 1.0},
	}, ""))

	require.Equal(t, crawler.ActionLLM, dec.Action)
	require.Len(t, dec.StageTrace, 2)
	require.Equal(t, crawler.VerdictWarn, dec.StageTrace[0].Verdict)
	require.Equal(t, "fusion", dec.StageTrace[1].Stage)
}

func TestCascadeOperatorOverride(t *testing.T) {
	skipping := &stubStage{name: "keywords", result: crawler.StageResult{
		Stage: "keywords", Verdict: crawler.VerdictSkip, Reason: "keyword:mortgage",
	}}
	c, err := New(defaultFusion(t), []string{"keywords"}, zap.NewNop(), skipping)
	require.NoError(t, err)

	dec := c.Run(context.Background(), featureSet(map[string]map[string]float64{
		"retro_html": {"score": 1.0},
	}, ""))

	require.Equal(t, crawler.ActionLLM, dec.Action, "overridden skip must not short-circuit")
	require.Equal(t, crawler.VerdictWarn, dec.StageTrace[0].Verdict)
	require.True(t, dec.StageTrace[0].Overridden)
}

func TestCascadePanicBecomesWarn(t *testing.T) {
	c, err := New(defaultFusion(t), nil, zap.NewNop(), &panicStage{name: "structure"})
	require.NoError(t, err)

	dec := c.Run(context.Background(), featureSet(map[string]map[string]float64{
		"retro_html": {"score": 1.0},
	}, ""))

	require.Equal(t, crawler.ActionLLM, dec.Action, "stage failure must not mask content as a pass or a skip")
	require.Equal(t, crawler.VerdictWarn, dec.StageTrace[0].Verdict)
	require.Equal(t, "stage_error", dec.StageTrace[0].Reason)
}

func TestStructuralGate(t *testing.T) {
	gate := NewStructuralGate(StructuralConfig{
		MaxScriptRatio:      0.55,
		MaxAnchorRatio:      0.65,
		MinTextDensity:      0.02,
		TokenCountOverride:  40,
		RetroScoreOverride:  0.3,
		AnchorRatioOverride: 0.35,
		LowDensityTokenCap:  15,
	})
	ctx := context.Background()

	structure := func(m map[string]float64) *crawler.FeatureSet {
		return featureSet(map[string]map[string]float64{"structure": m}, "")
	}

	res := gate.Evaluate(ctx, structure(map[string]float64{
		"script_ratio": 0.8, "text_density": 0.5,
	}))
	require.Equal(t, crawler.VerdictSkip, res.Verdict)
	require.Contains(t, res.Reason, "script_ratio")

	res = gate.Evaluate(ctx, structure(map[string]float64{
		"anchor_ratio": 0.9, "text_density": 0.5,
	}))
	require.Equal(t, crawler.VerdictSkip, res.Verdict)
	require.Contains(t, res.Reason, "anchor_ratio")

	// Dense enough text passes outright.
	res = gate.Evaluate(ctx, structure(map[string]float64{
		"text_density": 0.4, "token_count": 200,
	}))
	require.Equal(t, crawler.VerdictPass, res.Verdict)

	// Sparse and tiny: skip.
	res = gate.Evaluate(ctx, structure(map[string]float64{
		"text_density": 0.001, "token_count": 5,
	}))
	require.Equal(t, crawler.VerdictSkip, res.Verdict)

	// Sparse but retro markup earns a warn, not a skip.
	res = gate.Evaluate(ctx, structure(map[string]float64{
		"text_density": 0.001, "token_count": 5, "retro_score": 0.6,
	}))
	require.Equal(t, crawler.VerdictWarn, res.Verdict)
	require.Contains(t, res.Reason, "escape:retro")
}

func TestKeywordSkim(t *testing.T) {
	skim := NewKeywordSkim([]string{"Press Release", "  mortgage  ", ""})
	ctx := context.Background()

	res := skim.Evaluate(ctx, featureSet(nil, "Refinance your MORTGAGE today"))
	require.Equal(t, crawler.VerdictSkip, res.Verdict)
	require.Equal(t, "keyword:mortgage", res.Reason)

	res = skim.Evaluate(ctx, featureSet(nil, "a hand-built webring of tilde pages"))
	require.Equal(t, crawler.VerdictPass, res.Verdict)
}

func TestNearDuplicateStage(t *testing.T) {
	index := dedup.NewIndex(func() time.Time { return time.Unix(1700000000, 0) })
	stage, err := NewNearDuplicate(index, 5)
	require.NoError(t, err)
	ctx := context.Background()

	original := featureSet(nil, "a very strange guestbook page about gopher holes and webrings")
	res := stage.Evaluate(ctx, original)
	require.Equal(t, crawler.VerdictPass, res.Verdict)

	// Identical text is fingerprint-identical.
	copycat := featureSet(nil, original.Text)
	copycat.URL = "http://mirror.example/page"
	res = stage.Evaluate(ctx, copycat)
	require.Equal(t, crawler.VerdictSkip, res.Verdict)
	require.Contains(t, res.Reason, "near_duplicate_of:")
	require.Zero(t, res.Metrics["hamming_distance"])

	// Unrelated text passes.
	res = stage.Evaluate(ctx, featureSet(nil, "quarterly insurance filings for the fiscal year"))
	require.Equal(t, crawler.VerdictPass, res.Verdict)

	// Even skipped pages were indexed.
	require.Equal(t, 3, index.Len())
}

func TestNearDuplicateValidation(t *testing.T) {
	_, err := NewNearDuplicate(nil, 5)
	require.Error(t, err)
	index := dedup.NewIndex(time.Now)
	_, err = NewNearDuplicate(index, 65)
	require.Error(t, err)
}
