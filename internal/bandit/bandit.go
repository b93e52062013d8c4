// Package bandit implements the UCB-style host allocator that trades
// exploration of under-sampled hosts against exploitation of hosts with
// historically high triage yield.
package bandit

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Config controls the allocator. Validate is called by New.
type Config struct {
	// Exploration is the UCB coefficient c in yield + c*sqrt(ln(N)/n).
	Exploration float64
	// Initial is the optimistic score for never-pulled arms.
	Initial float64
	// NoveltyDecay controls how fast the novelty bonus decays with pulls.
	NoveltyDecay float64
	// NoveltyFloor is the minimum novelty bonus for heavily-pulled arms.
	NoveltyFloor float64
	// TieJitter is the magnitude of stochastic tie-breaking noise.
	TieJitter float64
}

// Validate rejects out-of-range values at startup.
func (c Config) Validate() error {
	if c.Exploration < 0 {
		return fmt.Errorf("bandit.exploration must be >= 0")
	}
	if c.Initial < 0 || c.Initial > 1 {
		return fmt.Errorf("bandit.initial must be in [0, 1]")
	}
	if c.NoveltyDecay <= 0 {
		return fmt.Errorf("bandit.novelty_decay must be > 0")
	}
	if c.NoveltyFloor < 0 || c.NoveltyFloor > 1 {
		return fmt.Errorf("bandit.novelty_floor must be in [0, 1]")
	}
	if c.TieJitter < 0 {
		return fmt.Errorf("bandit.tie_jitter must be >= 0")
	}
	return nil
}

// ArmState is the serializable per-arm record.
type ArmState struct {
	Arm       string  `json:"arm"`
	Pulls     int64   `json:"pulls"`
	RewardSum float64 `json:"reward_sum"`
}

// Allocator estimates expected yield per arm (host or neighborhood). All
// randomness flows through the injected source so tests are reproducible.
type Allocator struct {
	cfg Config

	mu         sync.Mutex
	arms       map[string]*ArmState
	totalPulls int64
	rng        *rand.Rand
}

// New constructs an Allocator. rng must not be shared with other users; it
// is guarded by the allocator's lock.
func New(cfg Config, rng *rand.Rand) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("bandit requires an injected random source")
	}
	return &Allocator{
		cfg:  cfg,
		arms: make(map[string]*ArmState),
		rng:  rng,
	}, nil
}

// RecordReward registers one pull of arm with the observed reward in [0,1].
func (a *Allocator) RecordReward(arm string, reward float64) {
	if reward < 0 {
		reward = 0
	} else if reward > 1 {
		reward = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.arm(arm)
	st.Pulls++
	st.RewardSum += reward
	a.totalPulls++
}

// Score returns the UCB score for arm: mean reward plus the exploration
// term, so under-sampled arms are periodically revisited even with mediocre
// history. Never-pulled arms get the optimistic initial value. Jitter (from
// the injected source only) perturbs near-equal arms.
func (a *Allocator) Score(arm string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	jitter := 0.0
	if a.cfg.TieJitter > 0 {
		jitter = (a.rng.Float64()*2 - 1) * a.cfg.TieJitter
	}
	st, ok := a.arms[arm]
	if !ok || st.Pulls == 0 {
		return clamp01(a.cfg.Initial + jitter)
	}
	mean := st.RewardSum / float64(st.Pulls)
	total := a.totalPulls
	if total < 1 {
		total = 1
	}
	explore := a.cfg.Exploration * math.Sqrt(math.Log(float64(total))/float64(st.Pulls))
	return clamp01(mean + explore + jitter)
}

// Novelty returns the decaying first-visit bonus for arm: 1 for unseen
// arms, exp(-pulls/decay) afterwards, floored.
func (a *Allocator) Novelty(arm string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.arms[arm]
	if !ok || st.Pulls == 0 {
		return 1
	}
	novelty := math.Exp(-float64(st.Pulls) / a.cfg.NoveltyDecay)
	if novelty < a.cfg.NoveltyFloor {
		return a.cfg.NoveltyFloor
	}
	return novelty
}

// TotalPulls returns the number of recorded rewards across all arms.
func (a *Allocator) TotalPulls() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalPulls
}

// Snapshot exports all arm states.
func (a *Allocator) Snapshot() []ArmState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ArmState, 0, len(a.arms))
	for _, st := range a.arms {
		out = append(out, *st)
	}
	return out
}

// Restore replaces arm states from a snapshot.
func (a *Allocator) Restore(states []ArmState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.arms = make(map[string]*ArmState, len(states))
	a.totalPulls = 0
	for _, st := range states {
		if st.Arm == "" {
			continue
		}
		copied := st
		a.arms[st.Arm] = &copied
		a.totalPulls += st.Pulls
	}
}

func (a *Allocator) arm(name string) *ArmState {
	st, ok := a.arms[name]
	if !ok {
		st = &ArmState{Arm: name}
		a.arms[name] = st
	}
	return st
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
