// Package ledger tracks per-host politeness budgets, failure backoff, and
// yield history. One Ledger is constructed at process start, snapshotted on
// a schedule, and torn down on shutdown; tests build isolated instances.
package ledger

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/oddfrontier/internal/crawler"
)

// Config controls ledger behavior. Validate is called by New.
type Config struct {
	// DefaultMinInterval is the politeness gap between requests to one host.
	DefaultMinInterval time.Duration
	// MaxFailuresBeforeBlock is the consecutive-failure ceiling; exceeding
	// it blocks the host with exponential backoff.
	MaxFailuresBeforeBlock int
	// BaseBackoff seeds the exponential block duration.
	BaseBackoff time.Duration
	// BackoffExponentCap bounds the exponent so blocks stay finite.
	BackoffExponentCap int
	// YieldAlpha is the EMA smoothing factor for triage yield feedback.
	YieldAlpha float64
	// PerHostConcurrency of 1 makes an outstanding lease gate eligibility,
	// enforcing host-level mutual exclusion.
	PerHostConcurrency int
}

// Validate rejects out-of-range values at startup.
func (c Config) Validate() error {
	if c.DefaultMinInterval <= 0 {
		return fmt.Errorf("ledger.min_interval must be > 0")
	}
	if c.MaxFailuresBeforeBlock <= 0 {
		return fmt.Errorf("ledger.max_failures_before_block must be > 0")
	}
	if c.BaseBackoff <= 0 {
		return fmt.Errorf("ledger.base_backoff must be > 0")
	}
	if c.BackoffExponentCap <= 0 {
		return fmt.Errorf("ledger.backoff_exponent_cap must be > 0")
	}
	if c.YieldAlpha <= 0 || c.YieldAlpha > 1 {
		return fmt.Errorf("ledger.yield_alpha must be in (0, 1]")
	}
	if c.PerHostConcurrency <= 0 {
		return fmt.Errorf("ledger.per_host_concurrency must be > 0")
	}
	return nil
}

type hostEntry struct {
	mu           sync.Mutex
	state        crawler.HostState
	leases       int
	yieldSamples int
}

// Ledger is the process-wide host budget state. Lock granularity is one
// map lock plus one mutex per host so unrelated hosts never contend.
type Ledger struct {
	cfg       Config
	blocklist *Blocklist
	logger    *zap.Logger

	mu    sync.RWMutex
	hosts map[string]*hostEntry
}

// New constructs a Ledger, failing fast on bad configuration.
func New(cfg Config, blocklist *Blocklist, logger *zap.Logger) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		cfg:       cfg,
		blocklist: blocklist,
		logger:    logger,
		hosts:     make(map[string]*hostEntry),
	}, nil
}

// Blocklisted reports whether the external blocklist bans the host. It is
// checked before any ledger state.
func (l *Ledger) Blocklisted(host string) bool {
	return l.blocklist.Blocked(host)
}

// IsEligible reports whether a request to host may be dispatched at now:
// not blocklisted, not in a failure block, outside the politeness interval,
// and (when per-host concurrency is 1) without an outstanding lease.
func (l *Ledger) IsEligible(host string, now time.Time) bool {
	if l.Blocklisted(host) {
		return false
	}
	e := l.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.BlockedUntil != nil && e.state.BlockedUntil.After(now) {
		return false
	}
	if e.leases >= l.cfg.PerHostConcurrency {
		return false
	}
	if !e.state.LastRequestAt.IsZero() && now.Sub(e.state.LastRequestAt) < e.state.MinInterval {
		return false
	}
	return true
}

// NoteLease records a dispatched request: stamps LastRequestAt and holds a
// lease slot until ReleaseLease.
func (l *Ledger) NoteLease(host string, now time.Time) {
	e := l.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leases++
	e.state.LastRequestAt = now
	e.state.RequestsSent++
}

// RestoreLease re-holds a lease slot for an in-flight job carried across a
// restart. Unlike NoteLease it leaves LastRequestAt and the request counter
// alone: the request was already dispatched and counted before the restart.
func (l *Ledger) RestoreLease(host string) {
	e := l.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leases++
}

// ReleaseLease frees the host's lease slot when its job completes, fails,
// or is reaped.
func (l *Ledger) ReleaseLease(host string) {
	e := l.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leases > 0 {
		e.leases--
	}
}

// RecordOutcome applies a fetch result. Success resets the failure streak;
// failure increments it, and once the streak exceeds the ceiling the host
// is blocked for base * 2^min(failures, cap).
func (l *Ledger) RecordOutcome(host string, success bool, latency time.Duration, now time.Time) {
	e := l.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	if success {
		e.state.ConsecutiveFailures = 0
		e.state.BlockedUntil = nil
		e.state.RequestsSucceeded++
		return
	}
	e.state.ConsecutiveFailures++
	if e.state.ConsecutiveFailures >= l.cfg.MaxFailuresBeforeBlock {
		exp := e.state.ConsecutiveFailures
		if exp > l.cfg.BackoffExponentCap {
			exp = l.cfg.BackoffExponentCap
		}
		until := now.Add(l.cfg.BaseBackoff * time.Duration(math.Exp2(float64(exp))))
		e.state.BlockedUntil = &until
		l.logger.Warn("host blocked after repeated failures",
			zap.String("host", host),
			zap.Int("consecutive_failures", e.state.ConsecutiveFailures),
			zap.Time("blocked_until", until),
			zap.Duration("last_latency", latency),
		)
	}
}

// RecordYield folds a triage score into the host's yield EMA.
func (l *Ledger) RecordYield(host string, score float64, _ time.Time) {
	score = clamp01(score)
	e := l.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.yieldSamples == 0 {
		e.state.YieldEMA = score
	} else {
		a := l.cfg.YieldAlpha
		e.state.YieldEMA = a*score + (1-a)*e.state.YieldEMA
	}
	e.yieldSamples++
}

// State returns a copy of the host's current state.
func (l *Ledger) State(host string) crawler.HostState {
	e := l.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HostCount returns the number of tracked hosts.
func (l *Ledger) HostCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.hosts)
}

// Snapshot exports all host states for persistence.
func (l *Ledger) Snapshot() []crawler.HostState {
	l.mu.RLock()
	entries := make([]*hostEntry, 0, len(l.hosts))
	for _, e := range l.hosts {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]crawler.HostState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	return out
}

// Restore loads host states from a snapshot, replacing current entries for
// the same hosts. Outstanding lease counts start at zero; the frontier calls
// RestoreLease for each in-flight job it carries across the restart so host
// concurrency gates hold until those leases complete or are reaped.
func (l *Ledger) Restore(states []crawler.HostState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range states {
		host := strings.ToLower(st.Host)
		if host == "" {
			continue
		}
		if st.MinInterval <= 0 {
			st.MinInterval = l.cfg.DefaultMinInterval
		}
		e := &hostEntry{state: st}
		if st.YieldEMA > 0 {
			e.yieldSamples = 1
		}
		l.hosts[host] = e
	}
}

func (l *Ledger) entry(host string) *hostEntry {
	host = strings.ToLower(host)
	l.mu.RLock()
	e, ok := l.hosts[host]
	l.mu.RUnlock()
	if ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.hosts[host]; ok {
		return e
	}
	e = &hostEntry{state: crawler.HostState{
		Host:        host,
		MinInterval: l.cfg.DefaultMinInterval,
	}}
	l.hosts[host] = e
	return e
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
