package crawler

import "time"

// Action is the terminal outcome of a triage run.
type Action string

// Actions emitted by the cascade.
const (
	ActionSkip    Action = "skip"
	ActionPersist Action = "persist"
	ActionLLM     Action = "llm"
)

// Verdict is the result a single cascade stage returns.
type Verdict string

// Stage verdicts. Skip short-circuits the cascade, Warn continues but is
// recorded in the stage trace.
const (
	VerdictPass Verdict = "pass"
	VerdictSkip Verdict = "skip"
	VerdictWarn Verdict = "warn"
)

// ErrorCode classifies fetch failures reported by external workers.
type ErrorCode string

// Fetch error codes accepted on Complete.
const (
	ErrorCodeNone              ErrorCode = ""
	ErrorCodeTimeout           ErrorCode = "timeout"
	ErrorCodeRobotsBlocked     ErrorCode = "robots_blocked"
	ErrorCodeContentTypeDenied ErrorCode = "content_type_denied"
	ErrorCodeDNS               ErrorCode = "dns_error"
	ErrorCodeTLS               ErrorCode = "tls_error"
)

// CrawlJob is the frontier's record of an admitted URL. Created on Admit,
// mutated only by lease and requeue operations, removed on terminal
// completion.
type CrawlJob struct {
	ID             string     `json:"id"`
	URLCanonical   string     `json:"url_canonical"`
	Host           string     `json:"host"`
	Depth          int        `json:"depth"`
	NeighborhoodID string     `json:"neighborhood_id,omitempty"`
	PriorityScore  float64    `json:"priority_score"`
	RequestedAt    time.Time  `json:"requested_at"`
	Attempts       int        `json:"attempts"`
	LeaseID        string     `json:"lease_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// Leased reports whether the job carries an unexpired lease at now.
func (j CrawlJob) Leased(now time.Time) bool {
	return j.LeaseID != "" && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// HostState is the budget ledger's per-host record. Created lazily on the
// first candidate for a host and never deleted; losing one under memory
// pressure only loses history.
type HostState struct {
	Host                string        `json:"host"`
	LastRequestAt       time.Time     `json:"last_request_at"`
	MinInterval         time.Duration `json:"min_interval"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BlockedUntil        *time.Time    `json:"blocked_until,omitempty"`
	YieldEMA            float64       `json:"yield_ema"`
	RequestsSent        int64         `json:"requests_sent"`
	RequestsSucceeded   int64         `json:"requests_succeeded"`
}

// FetchOutcome is what an external fetch worker reports back through
// Complete. Fetch failures are outcomes here, not errors of this core.
type FetchOutcome struct {
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code,omitempty"`
	ErrorCode  ErrorCode     `json:"error_code,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// Provenance records where a FeatureSet came from.
type Provenance struct {
	ExtractorVersion string    `json:"extractor_version"`
	FetchedAt        time.Time `json:"fetched_at"`
	ExtractedAt      time.Time `json:"extracted_at"`
}

// FeatureSet is the extractor's handoff to the cascade: feature families
// keyed by name, each a map of feature name to value, plus the cleaned
// (already redacted) text used for near-duplicate fingerprinting. Immutable
// once produced.
type FeatureSet struct {
	URL        string                        `json:"url"`
	Families   map[string]map[string]float64 `json:"families"`
	Text       string                        `json:"text,omitempty"`
	Provenance Provenance                    `json:"provenance"`
}

// Feature returns a single feature value, zero when absent.
func (f *FeatureSet) Feature(family, name string) float64 {
	if f == nil {
		return 0
	}
	return f.Families[family][name]
}

// StageResult records one cascade stage's verdict for the audit trace.
type StageResult struct {
	Stage      string             `json:"stage"`
	Verdict    Verdict            `json:"verdict"`
	Reason     string             `json:"reason,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Overridden bool               `json:"overridden,omitempty"`
}

// ScoreDecision is created once per cascade run. ThresholdsHit echoes the
// configured thresholds verbatim so a decision can be replayed.
type ScoreDecision struct {
	Score                float64            `json:"score"`
	Action               Action             `json:"action"`
	Alert                bool               `json:"alert,omitempty"`
	FeatureContributions map[string]float64 `json:"feature_contributions,omitempty"`
	ThresholdsHit        map[string]float64 `json:"thresholds_hit,omitempty"`
	StageTrace           []StageResult      `json:"stage_trace"`
}
