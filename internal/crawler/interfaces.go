package crawler

import (
	"context"
	"time"
)

// SeenFilter answers "definitely new" versus "probably seen" over canonical
// URL keys. MightContain returning false is authoritative; true must be
// verified against the exact set when strict correctness matters.
type SeenFilter interface {
	MightContain(key string) bool
	Add(key string)
	ApproxCount() uint64
}

// ExactSeenStore is the exact-hash companion to the Bloom filter, persisted
// for crash recovery.
type ExactSeenStore interface {
	Contains(ctx context.Context, hash uint64) (bool, error)
	Add(ctx context.Context, hash uint64) error
	All(ctx context.Context) ([]uint64, error)
}

// FingerprintIndex holds similarity-preserving digests of page text and
// answers approximate nearest-neighbor lookups by Hamming distance.
type FingerprintIndex interface {
	Nearest(fp uint64) (ref string, distance int, ok bool)
	Insert(fp uint64, ref string)
}

// Stage is one step of the triage funnel. Evaluate must not mutate the
// FeatureSet and must not block on network I/O.
type Stage interface {
	Name() string
	Evaluate(ctx context.Context, fs *FeatureSet) StageResult
}

// Publisher pushes decision events downstream (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SnapshotStore persists opaque snapshot blobs for resumability.
type SnapshotStore interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
	Load(ctx context.Context, name string) ([]byte, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and lease IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
