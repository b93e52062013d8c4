package frontier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/oddfrontier/internal/bandit"
	"github.com/JakeFAU/oddfrontier/internal/crawler"
	"github.com/JakeFAU/oddfrontier/internal/metrics"
)

// snapshotVersion guards against loading snapshots written by an
// incompatible build.
const snapshotVersion = 1

type snapshotState struct {
	Version    int                 `json:"version"`
	SavedAt    time.Time           `json:"saved_at"`
	Jobs       []crawler.CrawlJob  `json:"jobs"`
	Hosts      []crawler.HostState `json:"hosts"`
	Arms       []bandit.ArmState   `json:"arms"`
	SeenHashes []uint64            `json:"seen_hashes"`
	DeadLetter int64               `json:"dead_letters"`
}

// Snapshot serializes the full frontier state: the job arena (leases
// included), ledger host states, bandit arms, and the exact seen set. The
// heap itself is not stored; it is rebuilt from the arena on restore.
func (f *Frontier) Snapshot(ctx context.Context) ([]byte, error) {
	hashes, err := f.seen.ExportHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("export seen hashes: %w", err)
	}

	if err := f.mu.lock(ctx); err != nil {
		return nil, err
	}
	state := snapshotState{
		Version:    snapshotVersion,
		SavedAt:    f.clock.Now(),
		Jobs:       make([]crawler.CrawlJob, 0, len(f.arena)),
		Hosts:      f.ledger.Snapshot(),
		Arms:       f.alloc.Snapshot(),
		SeenHashes: hashes,
		DeadLetter: f.deadLetters,
	}
	for _, job := range f.arena {
		state.Jobs = append(state.Jobs, *job)
	}
	f.mu.unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal frontier snapshot: %w", err)
	}
	return data, nil
}

// Restore loads a snapshot produced by Snapshot. Queued jobs are re-heaped
// at their stored priority; jobs that died holding a lease keep it so the
// reaper reclaims them on its first pass after the lease TTL. Completed
// work is not re-admitted because its keys are in the seen set.
func (f *Frontier) Restore(ctx context.Context, data []byte) error {
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal frontier snapshot: %w", err)
	}
	if state.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", state.Version)
	}

	if err := f.seen.ImportHashes(ctx, state.SeenHashes); err != nil {
		return fmt.Errorf("restore seen set: %w", err)
	}
	f.ledger.Restore(state.Hosts)
	f.alloc.Restore(state.Arms)

	if err := f.mu.lock(ctx); err != nil {
		return err
	}
	defer f.mu.unlock()

	f.arena = make(map[string]*crawler.CrawlJob, len(state.Jobs))
	f.queue = f.queue[:0]
	f.leases = make(map[string]string)
	f.deadLetters = state.DeadLetter
	for i := range state.Jobs {
		job := state.Jobs[i]
		f.arena[job.ID] = &job
		if job.LeaseID != "" {
			f.leases[job.LeaseID] = job.ID
			// Re-hold the host's lease slot so a second lease cannot be
			// granted on the host while the restored one is still live.
			f.ledger.RestoreLease(job.Host)
			continue
		}
		f.seq++
		f.queue.push(&heapItem{
			jobID:       job.ID,
			priority:    job.PriorityScore,
			requestedAt: job.RequestedAt,
			seq:         f.seq,
		})
	}

	f.logger.Info("restored frontier snapshot",
		zap.Time("saved_at", state.SavedAt),
		zap.Int("jobs", len(state.Jobs)),
		zap.Int("in_flight", len(f.leases)),
		zap.Int("hosts", len(state.Hosts)),
		zap.Int("seen", len(state.SeenHashes)),
	)
	return nil
}

// Persister snapshots the frontier to a SnapshotStore on a schedule.
type Persister struct {
	frontier *Frontier
	store    crawler.SnapshotStore
	name     string
	interval time.Duration
	logger   *zap.Logger
}

// NewPersister wires a frontier to a snapshot store.
func NewPersister(f *Frontier, store crawler.SnapshotStore, name string, interval time.Duration, logger *zap.Logger) (*Persister, error) {
	if f == nil || store == nil {
		return nil, fmt.Errorf("persister requires a frontier and a store")
	}
	if name == "" {
		name = "frontier"
	}
	if interval <= 0 {
		return nil, fmt.Errorf("persister interval must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{frontier: f, store: store, name: name, interval: interval, logger: logger}, nil
}

// Run persists on each tick until the context ends, then writes one final
// snapshot so shutdown loses nothing.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.persist(context.Background())
			return
		case <-ticker.C:
			p.persist(ctx)
		}
	}
}

// Load restores the most recent snapshot if one exists; a missing snapshot
// is a clean first start, not an error.
func (p *Persister) Load(ctx context.Context) error {
	data, err := p.store.Load(ctx, p.name)
	if errors.Is(err, crawler.ErrSnapshotNotFound) {
		p.logger.Info("no frontier snapshot to restore", zap.String("name", p.name))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return p.frontier.Restore(ctx, data)
}

func (p *Persister) persist(ctx context.Context) {
	data, err := p.frontier.Snapshot(ctx)
	if err == nil {
		_, err = p.store.Save(ctx, p.name, data)
	}
	metrics.ObserveSnapshot("save", err)
	if err != nil {
		p.logger.Error("frontier snapshot failed", zap.Error(err))
	}
}
