package frontier

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/oddfrontier/internal/bandit"
	"github.com/JakeFAU/oddfrontier/internal/canonical"
	"github.com/JakeFAU/oddfrontier/internal/crawler"
	"github.com/JakeFAU/oddfrontier/internal/dedup"
	"github.com/JakeFAU/oddfrontier/internal/ledger"
	"github.com/JakeFAU/oddfrontier/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

func testConfig() Config {
	return Config{
		LeaseTTL:         30 * time.Second,
		ReapInterval:     time.Second,
		MaxAttempts:      3,
		RetryPenalty:     0.2,
		WeightBandit:     0.5,
		WeightNovelty:    0.3,
		DepthPenalty:     0.05,
		CrossDomainBonus: 0.05,
		MinPriority:      0.05,
		MaxPriority:      1.0,
	}
}

type fixture struct {
	frontier *Frontier
	clock    *manualClock
	ledger   *ledger.Ledger
	alloc    *bandit.Allocator
}

func newFixture(t *testing.T, cfg Config, blockPatterns []string) *fixture {
	t.Helper()
	seen, err := dedup.NewSeenURLs(10_000, 0.01, dedup.NewMemoryExactStore(), zap.NewNop())
	require.NoError(t, err)
	ldg, err := ledger.New(ledger.Config{
		DefaultMinInterval:     2 * time.Second,
		MaxFailuresBeforeBlock: 3,
		BaseBackoff:            time.Minute,
		BackoffExponentCap:     6,
		YieldAlpha:             0.3,
		PerHostConcurrency:     1,
	}, ledger.NewBlocklist(blockPatterns), zap.NewNop())
	require.NoError(t, err)
	alloc, err := bandit.New(bandit.Config{
		Exploration:  0.25,
		Initial:      0.6,
		NoveltyDecay: 6,
		NoveltyFloor: 0.1,
	}, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	f, err := New(cfg, canonical.Policy{}, seen, ldg, alloc, clock, &seqIDs{}, zap.NewNop())
	require.NoError(t, err)
	return &fixture{frontier: f, clock: clock, ledger: ldg, alloc: alloc}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	bad := testConfig()
	bad.LeaseTTL = 0
	require.Error(t, bad.Validate())

	bad = testConfig()
	bad.MinPriority = 2
	require.Error(t, bad.Validate())

	bad = testConfig()
	bad.MaxAttempts = 0
	require.Error(t, bad.Validate())
}

func TestAdmitRejectsMalformed(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	_, err := fx.frontier.Admit(context.Background(), Candidate{RawURL: "not a url"})
	require.ErrorIs(t, err, crawler.ErrMalformedURL)
	require.Zero(t, fx.frontier.Stats().Queued)
}

func TestAdmitRejectsSeenWithoutGrowingQueue(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	_, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://example.org/page"})
	require.NoError(t, err)
	require.Equal(t, 1, fx.frontier.Stats().Queued)

	// Same URL in a different surface form canonicalizes to the same key.
	_, err = fx.frontier.Admit(ctx, Candidate{RawURL: "HTTP://Example.ORG:80/page"})
	require.ErrorIs(t, err, crawler.ErrAlreadySeen)
	require.Equal(t, 1, fx.frontier.Stats().Queued)
}

func TestAdmitCanceledContextLeavesCandidateAdmissible(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fx.frontier.Admit(canceled, Candidate{RawURL: "http://a.example/later"})
	require.Error(t, err)

	// The failed admission must not have marked the key seen.
	job, err := fx.frontier.Admit(context.Background(), Candidate{RawURL: "http://a.example/later"})
	require.NoError(t, err)
	require.Equal(t, "a.example", job.Host)
}

func TestAdmitRejectsBlocklistedHost(t *testing.T) {
	fx := newFixture(t, testConfig(), []string{"banned.example"})
	_, err := fx.frontier.Admit(context.Background(), Candidate{RawURL: "http://banned.example/x"})
	require.ErrorIs(t, err, crawler.ErrHostBlocked)
	require.Zero(t, fx.frontier.Stats().Queued)
}

func TestAdmitPriorityShaping(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	shallow, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/1", Depth: 0})
	require.NoError(t, err)
	deep, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/2", Depth: 6})
	require.NoError(t, err)
	require.Greater(t, shallow.PriorityScore, deep.PriorityScore, "depth penalty must lower priority")

	crossed, err := fx.frontier.Admit(ctx, Candidate{
		RawURL:         "http://b.example/1",
		DiscoveredFrom: "http://a.example/1",
	})
	require.NoError(t, err)
	same, err := fx.frontier.Admit(ctx, Candidate{
		RawURL:         "http://c.example/1",
		DiscoveredFrom: "http://c.example/0",
	})
	require.NoError(t, err)
	require.Greater(t, crossed.PriorityScore, same.PriorityScore, "cross-domain discovery earns a bonus")
}

func TestLeaseReturnsHighestPriorityEligible(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	_, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/deep", Depth: 8})
	require.NoError(t, err)
	top, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://b.example/shallow", Depth: 0})
	require.NoError(t, err)

	job, err := fx.frontier.Lease(ctx, "w1", fx.clock.Now())
	require.NoError(t, err)
	require.Equal(t, top.ID, job.ID)
	require.NotEmpty(t, job.LeaseID)
	require.Equal(t, 1, job.Attempts)
}

func TestLeaseHostExclusivity(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	now := fx.clock.Now()

	_, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/1"})
	require.NoError(t, err)
	_, err = fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/2"})
	require.NoError(t, err)

	first, err := fx.frontier.Lease(ctx, "w1", now)
	require.NoError(t, err)

	// Same host: second candidate is gated by the outstanding lease.
	_, err = fx.frontier.Lease(ctx, "w2", now)
	require.ErrorIs(t, err, crawler.ErrNoEligibleJob)

	// Completing the first frees the host once the politeness interval passes.
	require.NoError(t, fx.frontier.Complete(ctx, first.LeaseID, crawler.FetchOutcome{Success: true, Latency: time.Second}, now))
	later := now.Add(3 * time.Second)
	second, err := fx.frontier.Lease(ctx, "w2", later)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestLeaseSkippedJobStaysQueued(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	now := fx.clock.Now()

	_, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/1"})
	require.NoError(t, err)

	_, err = fx.frontier.Lease(ctx, "w1", now)
	require.NoError(t, err)
	require.Equal(t, 1, fx.frontier.Stats().Leased)

	_, err = fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/2"})
	require.NoError(t, err)
	_, err = fx.frontier.Lease(ctx, "w2", now)
	require.ErrorIs(t, err, crawler.ErrNoEligibleJob)
	require.Equal(t, 1, fx.frontier.Stats().Queued, "ineligible job must remain queued")
}

func TestHeartbeatExtendsLease(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	now := fx.clock.Now()

	_, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/1"})
	require.NoError(t, err)
	job, err := fx.frontier.Lease(ctx, "w1", now)
	require.NoError(t, err)

	// Heartbeat just before expiry keeps the job out of the reaper's hands.
	beat := now.Add(29 * time.Second)
	require.NoError(t, fx.frontier.Heartbeat(ctx, job.LeaseID, beat))
	require.Zero(t, fx.frontier.ReapExpiredLeases(now.Add(31*time.Second)))
	require.Equal(t, 1, fx.frontier.ReapExpiredLeases(beat.Add(31*time.Second)))

	require.Error(t, fx.frontier.Heartbeat(ctx, "no-such-lease", now))
}

func TestCompleteUnknownLease(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	err := fx.frontier.Complete(context.Background(), "bogus", crawler.FetchOutcome{Success: true}, fx.clock.Now())
	require.ErrorIs(t, err, crawler.ErrUnknownLease)
}

func TestCompleteFailureRequeuesWithPenalty(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	now := fx.clock.Now()

	admitted, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/1"})
	require.NoError(t, err)

	job, err := fx.frontier.Lease(ctx, "w1", now)
	require.NoError(t, err)
	require.NoError(t, fx.frontier.Complete(ctx, job.LeaseID, crawler.FetchOutcome{
		Success:   false,
		ErrorCode: crawler.ErrorCodeTimeout,
		Latency:   time.Second,
	}, now))

	// Requeued, not gone, and demoted.
	stats := fx.frontier.Stats()
	require.Equal(t, 1, stats.Queued)
	require.Zero(t, stats.Leased)

	relisted, err := fx.frontier.Lease(ctx, "w1", now.Add(3*time.Second))
	require.NoError(t, err)
	require.Equal(t, admitted.ID, relisted.ID)
	require.InDelta(t, admitted.PriorityScore-0.2, relisted.PriorityScore, 1e-9)
	require.Equal(t, 2, relisted.Attempts)
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	now := fx.clock.Now()

	_, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/1"})
	require.NoError(t, err)

	for attempt := 0; attempt < 3; attempt++ {
		job, err := fx.frontier.Lease(ctx, "w1", now)
		require.NoError(t, err)
		require.NoError(t, fx.frontier.Complete(ctx, job.LeaseID, crawler.FetchOutcome{
			Success:   false,
			ErrorCode: crawler.ErrorCodeDNS,
		}, now))
		now = now.Add(time.Minute)
	}

	stats := fx.frontier.Stats()
	require.Zero(t, stats.Queued)
	require.Equal(t, int64(1), stats.DeadLetters)
	_, err = fx.frontier.Lease(ctx, "w1", now)
	require.ErrorIs(t, err, crawler.ErrNoEligibleJob)
}

func TestReaperRecoversCrashedWorker(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	now := fx.clock.Now()

	_, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/1"})
	require.NoError(t, err)
	job, err := fx.frontier.Lease(ctx, "w1", now)
	require.NoError(t, err)

	// Lease still live: nothing to reap.
	require.Zero(t, fx.frontier.ReapExpiredLeases(now.Add(10*time.Second)))

	require.Equal(t, 1, fx.frontier.ReapExpiredLeases(now.Add(31*time.Second)))
	stats := fx.frontier.Stats()
	require.Equal(t, 1, stats.Queued)
	require.Zero(t, stats.Leased)

	// The old lease is dead; completing it fails.
	require.ErrorIs(t, fx.frontier.Complete(ctx, job.LeaseID, crawler.FetchOutcome{Success: true}, now), crawler.ErrUnknownLease)
}

func TestLeaseExclusivity(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	now := fx.clock.Now()

	_, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/1"})
	require.NoError(t, err)

	job, err := fx.frontier.Lease(ctx, "w1", now)
	require.NoError(t, err)

	// The job cannot be leased again while its lease is live, from any
	// worker, at any eligible-looking time before expiry.
	_, err = fx.frontier.Lease(ctx, "w2", now.Add(5*time.Second))
	require.ErrorIs(t, err, crawler.ErrNoEligibleJob)

	_ = job
}

func TestGlobalDispatchBudget(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalRPS = 1
	cfg.GlobalBurst = 1
	fx := newFixture(t, cfg, nil)
	ctx := context.Background()
	now := fx.clock.Now()

	_, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/1"})
	require.NoError(t, err)
	_, err = fx.frontier.Admit(ctx, Candidate{RawURL: "http://b.example/1"})
	require.NoError(t, err)

	_, err = fx.frontier.Lease(ctx, "w1", now)
	require.NoError(t, err)

	// Budget spent: even an eligible different host is denied.
	_, err = fx.frontier.Lease(ctx, "w2", now)
	require.ErrorIs(t, err, crawler.ErrNoEligibleJob)

	// A second later the bucket refills.
	_, err = fx.frontier.Lease(ctx, "w2", now.Add(time.Second))
	require.NoError(t, err)
}

func TestEmptyLeaseKeepsDispatchBudget(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalRPS = 1
	cfg.GlobalBurst = 1
	fx := newFixture(t, cfg, nil)
	ctx := context.Background()
	now := fx.clock.Now()

	// Polling an empty queue must not consume the only token.
	_, err := fx.frontier.Lease(ctx, "w1", now)
	require.ErrorIs(t, err, crawler.ErrNoEligibleJob)

	_, err = fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/1"})
	require.NoError(t, err)
	_, err = fx.frontier.Lease(ctx, "w1", now)
	require.NoError(t, err)
}

func TestRecordTriageFeedsBanditAndLedger(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	now := fx.clock.Now()

	fx.frontier.RecordTriage("a.example", 0.9, crawler.ActionPersist, now)
	require.Equal(t, int64(1), fx.alloc.TotalPulls())
	require.InDelta(t, 0.9, fx.ledger.State("a.example").YieldEMA, 1e-9)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	now := fx.clock.Now()

	_, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/queued"})
	require.NoError(t, err)
	_, err = fx.frontier.Admit(ctx, Candidate{RawURL: "http://b.example/leased"})
	require.NoError(t, err)
	_, err = fx.frontier.Lease(ctx, "w1", now)
	require.NoError(t, err)
	fx.frontier.RecordTriage("a.example", 0.8, crawler.ActionPersist, now)

	data, err := fx.frontier.Snapshot(ctx)
	require.NoError(t, err)

	// Fresh process.
	restored := newFixture(t, testConfig(), nil)
	require.NoError(t, restored.frontier.Restore(ctx, data))

	stats := restored.frontier.Stats()
	require.Equal(t, 1, stats.Queued)
	require.Equal(t, 1, stats.Leased)
	require.Equal(t, int64(1), restored.alloc.TotalPulls())

	// Seen history survives: the queued URL cannot be re-admitted.
	_, err = restored.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/queued"})
	require.ErrorIs(t, err, crawler.ErrAlreadySeen)

	// The in-flight lease is reclaimed by the reaper after its TTL.
	require.Equal(t, 1, restored.frontier.ReapExpiredLeases(now.Add(time.Minute)))
	relisted, err := restored.frontier.Lease(ctx, "w2", now.Add(time.Minute))
	require.NoError(t, err)
	require.Contains(t, []string{"a.example", "b.example"}, relisted.Host)
}

func TestRestoreHoldsHostLeaseSlot(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	now := fx.clock.Now()

	_, err := fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/one"})
	require.NoError(t, err)
	_, err = fx.frontier.Admit(ctx, Candidate{RawURL: "http://a.example/two"})
	require.NoError(t, err)

	_, err = fx.frontier.Lease(ctx, "w1", now)
	require.NoError(t, err)

	data, err := fx.frontier.Snapshot(ctx)
	require.NoError(t, err)

	restored := newFixture(t, testConfig(), nil)
	require.NoError(t, restored.frontier.Restore(ctx, data))

	// The restored lease still holds the host's only concurrency slot, so
	// the second a.example job must not be dispatched while it is live.
	_, err = restored.frontier.Lease(ctx, "w2", now.Add(3*time.Second))
	require.ErrorIs(t, err, crawler.ErrNoEligibleJob)

	// Once the reaper reclaims the stale lease the slot frees up.
	require.Equal(t, 1, restored.frontier.ReapExpiredLeases(now.Add(time.Minute)))
	job, err := restored.frontier.Lease(ctx, "w2", now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "a.example", job.Host)
}

func TestRestoreRejectsBadSnapshot(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	require.Error(t, fx.frontier.Restore(context.Background(), []byte("{not json")))
	require.Error(t, fx.frontier.Restore(context.Background(), []byte(`{"version": 99}`)))
}
