// Package triage routes cascade decisions to their downstream consumers:
// persisted observations, analyst escalations, and the frontier's yield
// feedback loop.
package triage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/oddfrontier/internal/cascade"
	"github.com/JakeFAU/oddfrontier/internal/crawler"
)

// Config names the downstream topics.
type Config struct {
	// DecisionTopic receives every persist and llm outcome.
	DecisionTopic string
	// AnalystTopic additionally receives llm outcomes for the external
	// analyst service.
	AnalystTopic string
}

// Validate checks the topic names.
func (c Config) Validate() error {
	if c.DecisionTopic == "" {
		return fmt.Errorf("triage.decision_topic must be set")
	}
	if c.AnalystTopic == "" {
		return fmt.Errorf("triage.analyst_topic must be set")
	}
	return nil
}

// Feedback is the slice of the frontier the router needs: yield reporting.
type Feedback interface {
	RecordTriage(host string, score float64, action crawler.Action, now time.Time)
}

// DecisionEvent is the payload published downstream for persist and llm
// outcomes. The analyst's validation of its own findings is the analyst's
// concern; the router only signals.
type DecisionEvent struct {
	Job      crawler.CrawlJob      `json:"job"`
	Features *crawler.FeatureSet   `json:"features"`
	Decision crawler.ScoreDecision `json:"decision"`
	EmitTime time.Time             `json:"emit_time"`
}

// Router runs the cascade for a completed fetch and fans the decision out.
type Router struct {
	cfg      Config
	cascade  *cascade.Cascade
	feedback Feedback
	pub      crawler.Publisher
	clock    crawler.Clock
	logger   *zap.Logger
}

// NewRouter wires the cascade to its consumers.
func NewRouter(
	cfg Config,
	casc *cascade.Cascade,
	feedback Feedback,
	pub crawler.Publisher,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if casc == nil || feedback == nil || pub == nil || clock == nil {
		return nil, fmt.Errorf("triage router requires cascade, feedback, publisher, and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:      cfg,
		cascade:  casc,
		feedback: feedback,
		pub:      pub,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Triage runs the cascade over a FeatureSet, publishes the outcome, and
// reports yield back to the frontier. Skip decisions publish nothing: the
// FeatureSet is discarded. Publish failures return the decision alongside
// the error so the caller can still honor it.
func (r *Router) Triage(ctx context.Context, job crawler.CrawlJob, fs *crawler.FeatureSet) (crawler.ScoreDecision, error) {
	decision := r.cascade.Run(ctx, fs)
	now := r.clock.Now()

	r.feedback.RecordTriage(job.Host, decision.Score, decision.Action, now)

	if decision.Action == crawler.ActionSkip {
		return decision, nil
	}

	event := DecisionEvent{Job: job, Features: fs, Decision: decision, EmitTime: now}
	msgID, err := r.pub.Publish(ctx, r.cfg.DecisionTopic, event)
	if err != nil {
		return decision, fmt.Errorf("publish decision: %w", err)
	}
	r.logger.Info("published decision",
		zap.String("url", job.URLCanonical),
		zap.String("action", string(decision.Action)),
		zap.Float64("score", decision.Score),
		zap.Bool("alert", decision.Alert),
		zap.String("message_id", msgID),
	)

	if decision.Action == crawler.ActionLLM {
		if _, err := r.pub.Publish(ctx, r.cfg.AnalystTopic, event); err != nil {
			return decision, fmt.Errorf("signal analyst: %w", err)
		}
	}
	return decision, nil
}
