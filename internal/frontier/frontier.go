// Package frontier implements the priority scheduler at the heart of the
// crawler: admission through the dedup layer, bandit-driven prioritization,
// politeness-gated leasing, and crash recovery via expiring leases.
package frontier

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/oddfrontier/internal/bandit"
	"github.com/JakeFAU/oddfrontier/internal/canonical"
	"github.com/JakeFAU/oddfrontier/internal/crawler"
	"github.com/JakeFAU/oddfrontier/internal/dedup"
	"github.com/JakeFAU/oddfrontier/internal/ledger"
	"github.com/JakeFAU/oddfrontier/internal/metrics"
)

// Config controls frontier behavior. Validate is called by New.
type Config struct {
	// LeaseTTL is how long a worker holds a job before the reaper may
	// reclaim it; heartbeats extend it by the same amount.
	LeaseTTL time.Duration
	// ReapInterval is the reaper's polling period.
	ReapInterval time.Duration
	// MaxAttempts bounds lease attempts per job before dead-lettering.
	MaxAttempts int
	// RetryPenalty is subtracted from priority on each requeue.
	RetryPenalty float64
	// WeightBandit and WeightNovelty blend the allocator's scores into the
	// admission priority; DepthPenalty is subtracted per link depth.
	WeightBandit  float64
	WeightNovelty float64
	DepthPenalty  float64
	// CrossDomainBonus rewards candidates discovered from a different host.
	CrossDomainBonus float64
	// MinPriority and MaxPriority clamp the computed priority.
	MinPriority float64
	MaxPriority float64
	// GlobalRPS caps overall lease dispatch; zero disables the cap.
	GlobalRPS   float64
	GlobalBurst int
}

// Validate rejects out-of-range values at startup.
func (c Config) Validate() error {
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("frontier.lease_ttl must be > 0")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("frontier.reap_interval must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("frontier.max_attempts must be > 0")
	}
	if c.RetryPenalty < 0 {
		return fmt.Errorf("frontier.retry_penalty must be >= 0")
	}
	if c.WeightBandit < 0 || c.WeightNovelty < 0 {
		return fmt.Errorf("frontier priority weights must be >= 0")
	}
	if c.DepthPenalty < 0 {
		return fmt.Errorf("frontier.depth_penalty must be >= 0")
	}
	if c.MinPriority >= c.MaxPriority {
		return fmt.Errorf("frontier.min_priority must be < max_priority")
	}
	if c.GlobalRPS < 0 {
		return fmt.Errorf("frontier.global_rps must be >= 0")
	}
	return nil
}

// Candidate is a seeder's submission before canonicalization.
type Candidate struct {
	RawURL            string `json:"url"`
	DeclaredCanonical string `json:"declared_canonical,omitempty"`
	NeighborhoodID    string `json:"neighborhood_id,omitempty"`
	Depth             int    `json:"depth"`
	DiscoveredFrom    string `json:"discovered_from,omitempty"`
}

// Stats summarizes frontier state for the HTTP surface and logs.
type Stats struct {
	Queued      int    `json:"queued"`
	Leased      int    `json:"leased"`
	DeadLetters int64  `json:"dead_letters"`
	SeenApprox  uint64 `json:"seen_approx"`
	Hosts       int    `json:"hosts"`
}

// Frontier is the scheduling core. Every public method is atomic with
// respect to the others: one queue-structure lock plus the ledger's
// per-host locks, never a single global lock around host state.
type Frontier struct {
	cfg     Config
	canon   canonical.Policy
	seen    *dedup.SeenURLs
	ledger  *ledger.Ledger
	alloc   *bandit.Allocator
	clock   crawler.Clock
	ids     crawler.IDGenerator
	limiter *rate.Limiter
	logger  *zap.Logger

	mu          chanMutex
	arena       map[string]*crawler.CrawlJob
	queue       jobHeap
	leases      map[string]string // lease ID -> job ID
	seq         uint64
	deadLetters int64
}

// New constructs a Frontier, failing fast on bad configuration.
func New(
	cfg Config,
	canon canonical.Policy,
	seen *dedup.SeenURLs,
	ldg *ledger.Ledger,
	alloc *bandit.Allocator,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	logger *zap.Logger,
) (*Frontier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if seen == nil || ldg == nil || alloc == nil || clock == nil || ids == nil {
		return nil, fmt.Errorf("frontier requires seen filter, ledger, allocator, clock, and id generator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return &Frontier{
		cfg:     cfg,
		canon:   canon,
		seen:    seen,
		ledger:  ldg,
		alloc:   alloc,
		clock:   clock,
		ids:     ids,
		limiter: limiter,
		logger:  logger,
		mu:      newChanMutex(),
		arena:   make(map[string]*crawler.CrawlJob),
		leases:  make(map[string]string),
	}, nil
}

// Admit canonicalizes, dedups, and enqueues a candidate. Rejections come
// back as sentinel errors (ErrMalformedURL, ErrHostBlocked,
// ErrAlreadySeen); on any rejection the queue is unchanged.
func (f *Frontier) Admit(ctx context.Context, cand Candidate) (crawler.CrawlJob, error) {
	key, err := f.canon.Canonicalize(cand.RawURL, cand.DeclaredCanonical)
	if err != nil {
		metrics.ObserveAdmission("malformed")
		f.logger.Debug("rejected malformed candidate", zap.String("url", cand.RawURL), zap.Error(err))
		return crawler.CrawlJob{}, err
	}
	host := hostOf(key)

	if f.ledger.Blocklisted(host) {
		metrics.ObserveAdmission("blocked")
		return crawler.CrawlJob{}, fmt.Errorf("%w: %s", crawler.ErrHostBlocked, host)
	}

	seen, err := f.seen.Seen(ctx, key)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("seen check: %w", err)
	}
	if seen {
		metrics.ObserveAdmission("seen")
		return crawler.CrawlJob{}, fmt.Errorf("%w: %s", crawler.ErrAlreadySeen, key)
	}

	id, err := f.ids.NewID()
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("generate job id: %w", err)
	}

	now := f.clock.Now()
	job := crawler.CrawlJob{
		ID:             id,
		URLCanonical:   key,
		Host:           host,
		Depth:          cand.Depth,
		NeighborhoodID: cand.NeighborhoodID,
		PriorityScore:  f.priority(host, cand),
		RequestedAt:    now,
	}

	if err := f.mu.lock(ctx); err != nil {
		return crawler.CrawlJob{}, err
	}
	// Marked under the queue lock so cancellation cannot leave a key seen
	// with no job enqueued for it.
	if err := f.seen.Mark(ctx, key); err != nil {
		f.mu.unlock()
		return crawler.CrawlJob{}, err
	}
	f.arena[id] = &job
	f.seq++
	f.queue.push(&heapItem{jobID: id, priority: job.PriorityScore, requestedAt: now, seq: f.seq})
	depth := len(f.arena)
	f.mu.unlock()

	metrics.ObserveAdmission("admitted")
	metrics.SetQueueDepth(depth)
	f.logger.Debug("admitted candidate",
		zap.String("job_id", id),
		zap.String("url", key),
		zap.Float64("priority", job.PriorityScore),
	)
	return job, nil
}

// Lease pops the highest-priority job whose host is eligible right now and
// stamps an exclusive, expiring lease on it. Jobs skipped over because
// their host is busy or backing off stay queued at their priority. Returns
// ErrNoEligibleJob when nothing qualifies or the global budget is spent.
func (f *Frontier) Lease(ctx context.Context, workerID string, now time.Time) (crawler.CrawlJob, error) {
	var reservation *rate.Reservation
	if f.limiter != nil {
		reservation = f.limiter.ReserveN(now, 1)
		if !reservation.OK() || reservation.DelayFrom(now) > 0 {
			reservation.CancelAt(now)
			metrics.ObserveLeaseEmpty()
			return crawler.CrawlJob{}, fmt.Errorf("global dispatch budget: %w", crawler.ErrNoEligibleJob)
		}
	}
	granted := false
	defer func() {
		// Give the token back when no job actually went out, so polling an
		// empty or ineligible queue does not burn the dispatch budget.
		if reservation != nil && !granted {
			reservation.CancelAt(now)
		}
	}()

	if err := f.mu.lock(ctx); err != nil {
		return crawler.CrawlJob{}, err
	}
	defer f.mu.unlock()

	var skipped []*heapItem
	defer func() {
		for _, item := range skipped {
			f.queue.push(item)
		}
	}()

	for {
		item := f.queue.pop()
		if item == nil {
			metrics.ObserveLeaseEmpty()
			return crawler.CrawlJob{}, crawler.ErrNoEligibleJob
		}
		job, ok := f.arena[item.jobID]
		if !ok || job.LeaseID != "" {
			// Stale heap entry for a completed or already-leased job.
			continue
		}
		if !f.ledger.IsEligible(job.Host, now) {
			skipped = append(skipped, item)
			continue
		}

		leaseID, err := f.ids.NewID()
		if err != nil {
			skipped = append(skipped, item)
			return crawler.CrawlJob{}, fmt.Errorf("generate lease id: %w", err)
		}
		expires := now.Add(f.cfg.LeaseTTL)
		job.LeaseID = leaseID
		job.LeaseExpiresAt = &expires
		job.Attempts++
		f.leases[leaseID] = job.ID
		f.ledger.NoteLease(job.Host, now)
		granted = true

		metrics.ObserveLease()
		f.logger.Debug("leased job",
			zap.String("job_id", job.ID),
			zap.String("lease_id", leaseID),
			zap.String("worker_id", workerID),
			zap.String("host", job.Host),
			zap.Int("attempt", job.Attempts),
		)
		return *job, nil
	}
}

// Heartbeat extends a live lease by the configured TTL.
func (f *Frontier) Heartbeat(ctx context.Context, leaseID string, now time.Time) error {
	if err := f.mu.lock(ctx); err != nil {
		return err
	}
	defer f.mu.unlock()

	jobID, ok := f.leases[leaseID]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrUnknownLease, leaseID)
	}
	job := f.arena[jobID]
	expires := now.Add(f.cfg.LeaseTTL)
	job.LeaseExpiresAt = &expires
	return nil
}

// Complete finishes a leased job. Success removes it; failure requeues it
// with a priority penalty until the attempt budget runs out, then
// dead-letters it. Either way the host's ledger entry is updated.
func (f *Frontier) Complete(ctx context.Context, leaseID string, outcome crawler.FetchOutcome, now time.Time) error {
	if err := f.mu.lock(ctx); err != nil {
		return err
	}
	defer f.mu.unlock()

	jobID, ok := f.leases[leaseID]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrUnknownLease, leaseID)
	}
	job := f.arena[jobID]
	delete(f.leases, leaseID)
	f.ledger.ReleaseLease(job.Host)
	f.ledger.RecordOutcome(job.Host, outcome.Success, outcome.Latency, now)

	if outcome.Success {
		delete(f.arena, jobID)
		metrics.ObserveCompletion("success")
		metrics.SetQueueDepth(len(f.arena))
		return nil
	}
	f.requeueLocked(job, now, string(outcome.ErrorCode))
	metrics.SetQueueDepth(len(f.arena))
	return nil
}

// ReapExpiredLeases reclaims jobs whose workers went silent: each expired
// lease counts as a failed attempt and the job is requeued or
// dead-lettered. This is the sole liveness mechanism against crashed
// workers. The host outcome is deliberately not recorded: a dead worker
// says nothing about the host.
func (f *Frontier) ReapExpiredLeases(now time.Time) int {
	if err := f.mu.lock(context.Background()); err != nil {
		return 0
	}
	defer f.mu.unlock()

	reaped := 0
	for leaseID, jobID := range f.leases {
		job := f.arena[jobID]
		if job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(now) {
			continue
		}
		delete(f.leases, leaseID)
		f.ledger.ReleaseLease(job.Host)
		f.requeueLocked(job, now, "lease_expired")
		metrics.ObserveReapedLease()
		reaped++
	}
	if reaped > 0 {
		metrics.SetQueueDepth(len(f.arena))
		f.logger.Info("reaped expired leases", zap.Int("count", reaped))
	}
	return reaped
}

// RunReaper polls for expired leases until the context ends.
func (f *Frontier) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.ReapExpiredLeases(f.clock.Now())
		}
	}
}

// RecordTriage feeds a triage outcome back into the yield machinery so the
// bandit and the ledger stay current.
func (f *Frontier) RecordTriage(host string, score float64, action crawler.Action, now time.Time) {
	f.ledger.RecordYield(host, score, now)
	f.alloc.RecordReward(host, score)
	f.logger.Debug("triage feedback",
		zap.String("host", host),
		zap.Float64("score", score),
		zap.String("action", string(action)),
	)
}

// Stats returns a point-in-time summary.
func (f *Frontier) Stats() Stats {
	if err := f.mu.lock(context.Background()); err != nil {
		return Stats{}
	}
	defer f.mu.unlock()
	return Stats{
		Queued:      len(f.arena) - len(f.leases),
		Leased:      len(f.leases),
		DeadLetters: f.deadLetters,
		SeenApprox:  f.seen.ApproxCount(),
		Hosts:       f.ledger.HostCount(),
	}
}

// requeueLocked applies the retry policy to a failed job. Callers hold the
// queue lock. The canonical key stays in the seen filter: re-admission of a
// failed job is not a duplicate admission.
func (f *Frontier) requeueLocked(job *crawler.CrawlJob, now time.Time, reason string) {
	job.LeaseID = ""
	job.LeaseExpiresAt = nil

	if job.Attempts >= f.cfg.MaxAttempts {
		delete(f.arena, job.ID)
		f.deadLetters++
		metrics.ObserveCompletion("dead_letter")
		metrics.ObserveDeadLetter()
		f.logger.Warn("job dead-lettered",
			zap.String("job_id", job.ID),
			zap.String("url", job.URLCanonical),
			zap.Int("attempts", job.Attempts),
			zap.String("reason", reason),
		)
		return
	}

	job.PriorityScore = f.clamp(job.PriorityScore - f.cfg.RetryPenalty)
	f.seq++
	f.queue.push(&heapItem{
		jobID:       job.ID,
		priority:    job.PriorityScore,
		requestedAt: job.RequestedAt,
		seq:         f.seq,
	})
	metrics.ObserveCompletion("retry")
	f.logger.Debug("requeued job",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.String("reason", reason),
		zap.Float64("priority", job.PriorityScore),
	)
}

// priority blends the bandit's exploitation/exploration score with novelty
// and structural signals. Politeness is not part of priority: it is a hard
// gate applied at lease time.
func (f *Frontier) priority(host string, cand Candidate) float64 {
	score := f.cfg.WeightBandit*f.alloc.Score(host) + f.cfg.WeightNovelty*f.alloc.Novelty(host)
	score -= f.cfg.DepthPenalty * float64(max(cand.Depth, 0))
	if from := hostOf(cand.DiscoveredFrom); from != "" && from != host {
		score += f.cfg.CrossDomainBonus
	}
	return f.clamp(score)
}

func (f *Frontier) clamp(v float64) float64 {
	switch {
	case v < f.cfg.MinPriority:
		return f.cfg.MinPriority
	case v > f.cfg.MaxPriority:
		return f.cfg.MaxPriority
	default:
		return v
	}
}

func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// chanMutex is a context-aware mutex so queue operations abort cleanly
// when a caller's request is canceled instead of piling up.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	return make(chanMutex, 1)
}

func (m chanMutex) lock(ctx context.Context) error {
	// An already-canceled context never wins the select race.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("frontier lock: %w", err)
	}
	select {
	case m <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("frontier lock: %w", ctx.Err())
	}
}

func (m chanMutex) unlock() {
	<-m
}
