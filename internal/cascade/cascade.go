// Package cascade runs extracted page features through an ordered funnel of
// cheap-to-expensive stages, ending in the fusion scorer. Any stage can
// short-circuit the run with a skip so expensive stages never see content
// disqualified cheaply.
package cascade

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/oddfrontier/internal/crawler"
	"github.com/JakeFAU/oddfrontier/internal/metrics"
)

// Cascade is the staged triage funnel. Stage order is fixed at construction
// and must run cheapest first.
type Cascade struct {
	stages    []crawler.Stage
	fusion    *Fusion
	overrides map[string]bool
	logger    *zap.Logger
}

// New assembles a cascade. overrideStages names stages whose skip verdicts
// an operator has downgraded to warn, forcing continuation; the downgrade is
// flagged in the stage trace.
func New(fusion *Fusion, overrideStages []string, logger *zap.Logger, stages ...crawler.Stage) (*Cascade, error) {
	if fusion == nil {
		return nil, fmt.Errorf("cascade requires a fusion scorer")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	overrides := make(map[string]bool, len(overrideStages))
	for _, name := range overrideStages {
		overrides[name] = true
	}
	return &Cascade{
		stages:    stages,
		fusion:    fusion,
		overrides: overrides,
		logger:    logger,
	}, nil
}

// Run evaluates every stage in order. A skip verdict terminates the run with
// action skip unless the stage is operator-overridden; warn verdicts
// continue but stay in the trace. If no stage skips, the fusion scorer
// produces the final decision.
func (c *Cascade) Run(ctx context.Context, fs *crawler.FeatureSet) crawler.ScoreDecision {
	trace := make([]crawler.StageResult, 0, len(c.stages)+1)

	for _, stage := range c.stages {
		res := c.evaluate(ctx, stage, fs)

		if res.Verdict == crawler.VerdictSkip && c.overrides[res.Stage] {
			res.Verdict = crawler.VerdictWarn
			res.Overridden = true
		}
		metrics.ObserveStageVerdict(res.Stage, string(res.Verdict))
		trace = append(trace, res)

		switch res.Verdict {
		case crawler.VerdictSkip:
			decision := crawler.ScoreDecision{
				Action:     crawler.ActionSkip,
				StageTrace: trace,
			}
			metrics.ObserveDecision(string(decision.Action), decision.Score)
			c.logger.Debug("cascade short-circuit",
				zap.String("url", fs.URL),
				zap.String("stage", res.Stage),
				zap.String("reason", res.Reason),
			)
			return decision
		case crawler.VerdictWarn:
			c.logger.Warn("cascade stage warning",
				zap.String("url", fs.URL),
				zap.String("stage", res.Stage),
				zap.String("reason", res.Reason),
				zap.Bool("overridden", res.Overridden),
			)
		}
	}

	decision := c.fusion.Decide(fs)
	trace = append(trace, crawler.StageResult{
		Stage:   "fusion",
		Verdict: crawler.VerdictPass,
		Metrics: map[string]float64{"score": decision.Score},
	})
	decision.StageTrace = trace
	metrics.ObserveStageVerdict("fusion", string(crawler.VerdictPass))
	metrics.ObserveDecision(string(decision.Action), decision.Score)
	c.logger.Debug("cascade decision",
		zap.String("url", fs.URL),
		zap.Float64("score", decision.Score),
		zap.String("action", string(decision.Action)),
		zap.Bool("alert", decision.Alert),
	)
	return decision
}

// evaluate shields the run from a panicking stage: a stage failure becomes
// a warn with reason stage_error, never a silent pass.
func (c *Cascade) evaluate(ctx context.Context, stage crawler.Stage, fs *crawler.FeatureSet) (res crawler.StageResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cascade stage panicked",
				zap.String("stage", stage.Name()),
				zap.Any("panic", r),
			)
			res = crawler.StageResult{
				Stage:   stage.Name(),
				Verdict: crawler.VerdictWarn,
				Reason:  "stage_error",
				Metrics: map[string]float64{},
			}
		}
	}()
	res = stage.Evaluate(ctx, fs)
	if res.Stage == "" {
		res.Stage = stage.Name()
	}
	return res
}
