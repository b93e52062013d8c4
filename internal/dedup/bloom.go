package dedup

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

const bloomShards = 16

// Bloom is a sharded Bloom filter over canonical URL keys. Membership is
// probabilistic: false means definitely new, true means probably seen with
// at most the configured false-positive rate. There is no deletion.
type Bloom struct {
	bitsPerShard uint64
	hashes       uint64
	count        atomic.Uint64
	shards       [bloomShards]bloomShard
}

type bloomShard struct {
	mu   sync.RWMutex
	bits *bitset.BitSet
}

// NewBloom sizes a filter for the given capacity and target false-positive
// rate using the standard optimal bit and hash counts.
func NewBloom(capacity uint64, fpRate float64) (*Bloom, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("bloom capacity must be > 0")
	}
	if fpRate <= 0 || fpRate >= 1 {
		return nil, fmt.Errorf("bloom false-positive rate must be in (0, 1), got %v", fpRate)
	}
	bits := uint64(math.Ceil(-float64(capacity) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	hashes := uint64(math.Ceil(float64(bits) / float64(capacity) * math.Ln2))
	if hashes == 0 {
		hashes = 1
	}
	perShard := bits/bloomShards + 1
	b := &Bloom{
		bitsPerShard: perShard,
		hashes:       hashes,
	}
	for i := range b.shards {
		b.shards[i].bits = bitset.New(uint(perShard))
	}
	return b, nil
}

// KeyHash returns the 64-bit digest used for both the Bloom filter and the
// exact recovery set, so the two structures always agree on identity.
func KeyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Add marks the key as seen.
func (b *Bloom) Add(key string) {
	h1, h2, shard := b.locate(key)
	s := &b.shards[shard]
	s.mu.Lock()
	for i := uint64(0); i < b.hashes; i++ {
		s.bits.Set(uint((h1 + i*h2) % b.bitsPerShard))
	}
	s.mu.Unlock()
	b.count.Add(1)
}

// MightContain reports whether the key was possibly added before.
func (b *Bloom) MightContain(key string) bool {
	h1, h2, shard := b.locate(key)
	s := &b.shards[shard]
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := uint64(0); i < b.hashes; i++ {
		if !s.bits.Test(uint((h1 + i*h2) % b.bitsPerShard)) {
			return false
		}
	}
	return true
}

// ApproxCount returns the number of Add calls, which over-counts repeated
// keys and is only meant for capacity monitoring.
func (b *Bloom) ApproxCount() uint64 {
	return b.count.Load()
}

// locate derives the double-hashing pair and the owning shard for a key.
// The probe sequence is a pure function of the 64-bit digest so a filter
// rebuilt from stored digests (see addHash) probes identical bits.
func (b *Bloom) locate(key string) (h1, h2, shard uint64) {
	h1 = xxhash.Sum64String(key)
	h2 = deriveH2(h1)
	shard = (h1 >> 60) % bloomShards
	return h1, h2, shard
}

func deriveH2(h1 uint64) uint64 {
	h2 := h1*0x9e3779b97f4a7c15 + 1
	h2 ^= h2 >> 29
	return h2 | 1
}
