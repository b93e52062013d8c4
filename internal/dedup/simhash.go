package dedup

import (
	"math/bits"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var wordPattern = regexp.MustCompile(`\w+`)

// Fingerprint computes a 64-bit SimHash over the word tokens of text.
// Similar texts produce fingerprints at small Hamming distance; an empty
// text maps to zero.
func Fingerprint(text string) uint64 {
	tokens := wordPattern.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		return 0
	}
	var weights [64]int
	for _, token := range tokens {
		h := xxhash.Sum64String(token)
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}
	var fp uint64
	for bit, w := range weights {
		if w >= 0 {
			fp |= 1 << uint(bit)
		}
	}
	return fp
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// indexBands splits a fingerprint into 8-bit bands. Two fingerprints within
// Hamming distance 7 share at least one band, so banding finds every
// candidate for thresholds up to 7 without scanning the whole index.
const (
	indexBands = 8
	bandBits   = 64 / indexBands
)

// FingerprintEntry records the earliest text seen for a fingerprint.
type FingerprintEntry struct {
	Fingerprint uint64    `json:"fingerprint"`
	Ref         string    `json:"first_seen_url"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Index is a banded SimHash index answering nearest-fingerprint lookups by
// Hamming distance. Insertion is unconditional: even flagged duplicates are
// recorded so later lookups converge to the earliest representative.
type Index struct {
	mu      sync.RWMutex
	entries []FingerprintEntry
	bands   [indexBands]map[uint8][]int
	now     func() time.Time
}

// NewIndex constructs an empty index. now may be nil, defaulting to
// time.Now.
func NewIndex(now func() time.Time) *Index {
	idx := &Index{now: now}
	if idx.now == nil {
		idx.now = time.Now
	}
	for i := range idx.bands {
		idx.bands[i] = make(map[uint8][]int)
	}
	return idx
}

// Insert records the fingerprint with its source reference.
func (x *Index) Insert(fp uint64, ref string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	id := len(x.entries)
	x.entries = append(x.entries, FingerprintEntry{
		Fingerprint: fp,
		Ref:         ref,
		FirstSeenAt: x.now().UTC(),
	})
	for band := 0; band < indexBands; band++ {
		key := bandKey(fp, band)
		x.bands[band][key] = append(x.bands[band][key], id)
	}
}

// Nearest returns the closest known fingerprint's reference and Hamming
// distance. ok is false when the index is empty or no candidate shares a
// band (distance > 7 from everything indexed).
func (x *Index) Nearest(fp uint64) (ref string, distance int, ok bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	best := -1
	bestDist := 65
	seen := make(map[int]struct{})
	for band := 0; band < indexBands; band++ {
		for _, id := range x.bands[band][bandKey(fp, band)] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			d := HammingDistance(fp, x.entries[id].Fingerprint)
			// Earliest entry wins ties so dedup is stable across runs.
			if d < bestDist || (d == bestDist && id < best) {
				best = id
				bestDist = d
			}
		}
	}
	if best < 0 {
		return "", 0, false
	}
	return x.entries[best].Ref, bestDist, true
}

// Len returns the number of stored fingerprints.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Entries returns a copy of all stored entries for snapshotting.
func (x *Index) Entries() []FingerprintEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]FingerprintEntry, len(x.entries))
	copy(out, x.entries)
	return out
}

// Restore replaces the index contents from a snapshot.
func (x *Index) Restore(entries []FingerprintEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = make([]FingerprintEntry, 0, len(entries))
	for i := range x.bands {
		x.bands[i] = make(map[uint8][]int)
	}
	for _, e := range entries {
		id := len(x.entries)
		x.entries = append(x.entries, e)
		for band := 0; band < indexBands; band++ {
			key := bandKey(e.Fingerprint, band)
			x.bands[band][key] = append(x.bands[band][key], id)
		}
	}
}

func bandKey(fp uint64, band int) uint8 {
	return uint8(fp >> (uint(band) * bandBits))
}
