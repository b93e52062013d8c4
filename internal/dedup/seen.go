package dedup

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SeenURLs pairs the Bloom filter with an exact-hash recovery set. The Bloom
// answer "definitely new" is trusted as-is; a "probably seen" answer is
// verified against the exact set so admission never drops a genuinely new
// URL to a Bloom collision.
type SeenURLs struct {
	bloom  *Bloom
	exact  ExactStore
	logger *zap.Logger
}

// ExactStore is the pluggable exact-hash set; implementations live in this
// package (memory) and in redisseen.
type ExactStore interface {
	Contains(ctx context.Context, hash uint64) (bool, error)
	Add(ctx context.Context, hash uint64) error
	All(ctx context.Context) ([]uint64, error)
}

// NewSeenURLs builds the combined filter. The exact store may already hold
// history; call Rebuild afterwards to fold it into the Bloom filter.
func NewSeenURLs(capacity uint64, fpRate float64, exact ExactStore, logger *zap.Logger) (*SeenURLs, error) {
	bloom, err := NewBloom(capacity, fpRate)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeenURLs{bloom: bloom, exact: exact, logger: logger}, nil
}

// Seen reports whether the canonical key was marked before.
func (s *SeenURLs) Seen(ctx context.Context, key string) (bool, error) {
	if !s.bloom.MightContain(key) {
		return false, nil
	}
	ok, err := s.exact.Contains(ctx, KeyHash(key))
	if err != nil {
		return false, fmt.Errorf("verify seen key: %w", err)
	}
	return ok, nil
}

// Mark records the canonical key in both structures.
func (s *SeenURLs) Mark(ctx context.Context, key string) error {
	s.bloom.Add(key)
	if err := s.exact.Add(ctx, KeyHash(key)); err != nil {
		return fmt.Errorf("record seen key: %w", err)
	}
	return nil
}

// ApproxCount exposes the Bloom filter's add counter.
func (s *SeenURLs) ApproxCount() uint64 {
	return s.bloom.ApproxCount()
}

// ExportHashes returns the exact set's contents for snapshotting.
func (s *SeenURLs) ExportHashes(ctx context.Context) ([]uint64, error) {
	return s.exact.All(ctx)
}

// ImportHashes folds snapshot hashes into both structures, used on restore.
func (s *SeenURLs) ImportHashes(ctx context.Context, hashes []uint64) error {
	for _, h := range hashes {
		s.bloom.addHash(h)
		if err := s.exact.Add(ctx, h); err != nil {
			return fmt.Errorf("restore seen hash: %w", err)
		}
	}
	return nil
}

// Rebuild reconstructs the Bloom filter from the exact set, used after a
// restart or a capacity resize. Admitted history survives because the exact
// set is the durable side.
func (s *SeenURLs) Rebuild(ctx context.Context, capacity uint64, fpRate float64) error {
	hashes, err := s.exact.All(ctx)
	if err != nil {
		return fmt.Errorf("load exact seen set: %w", err)
	}
	bloom, err := NewBloom(capacity, fpRate)
	if err != nil {
		return err
	}
	for _, h := range hashes {
		bloom.addHash(h)
	}
	s.bloom = bloom
	s.logger.Info("rebuilt seen filter", zap.Int("keys", len(hashes)), zap.Uint64("capacity", capacity))
	return nil
}

// addHash folds a stored 64-bit digest back into the filter. It mirrors
// locate but starts from the digest instead of the key.
func (b *Bloom) addHash(h1 uint64) {
	h2 := deriveH2(h1)
	shard := (h1 >> 60) % bloomShards
	s := &b.shards[shard]
	s.mu.Lock()
	for i := uint64(0); i < b.hashes; i++ {
		s.bits.Set(uint((h1 + i*h2) % b.bitsPerShard))
	}
	s.mu.Unlock()
	b.count.Add(1)
}

// MemoryExactStore is the in-process exact-hash set.
type MemoryExactStore struct {
	mu     sync.RWMutex
	hashes map[uint64]struct{}
}

// NewMemoryExactStore constructs an empty store.
func NewMemoryExactStore() *MemoryExactStore {
	return &MemoryExactStore{hashes: make(map[uint64]struct{})}
}

// Contains reports exact membership.
func (m *MemoryExactStore) Contains(_ context.Context, hash uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.hashes[hash]
	return ok, nil
}

// Add inserts the hash.
func (m *MemoryExactStore) Add(_ context.Context, hash uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[hash] = struct{}{}
	return nil
}

// All returns every stored hash.
func (m *MemoryExactStore) All(_ context.Context) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, 0, len(m.hashes))
	for h := range m.hashes {
		out = append(out, h)
	}
	return out, nil
}
