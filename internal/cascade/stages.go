package cascade

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/oddfrontier/internal/crawler"
	"github.com/JakeFAU/oddfrontier/internal/dedup"
)

// StructuralConfig bounds the cheap structural probes.
type StructuralConfig struct {
	MaxScriptRatio float64
	MaxAnchorRatio float64
	MinTextDensity float64
	// Low-density pages escape the skip when any of these fire; the
	// escape is reported as a warn so it shows up in audit tallies.
	TokenCountOverride  float64
	RetroScoreOverride  float64
	AnchorRatioOverride float64
	LowDensityTokenCap  float64
}

// StructuralGate skips pages that are structurally hopeless: script-heavy,
// link farms, or nearly empty. It only reads the structure feature family.
type StructuralGate struct {
	cfg StructuralConfig
}

// NewStructuralGate builds the gate.
func NewStructuralGate(cfg StructuralConfig) *StructuralGate {
	return &StructuralGate{cfg: cfg}
}

// Name implements crawler.Stage.
func (s *StructuralGate) Name() string { return "structure" }

// Evaluate implements crawler.Stage.
func (s *StructuralGate) Evaluate(_ context.Context, fs *crawler.FeatureSet) crawler.StageResult {
	scriptRatio := fs.Feature("structure", "script_ratio")
	anchorRatio := fs.Feature("structure", "anchor_ratio")
	textDensity := fs.Feature("structure", "text_density")
	tokenCount := fs.Feature("structure", "token_count")
	retroScore := fs.Feature("structure", "retro_score")
	oddKeyword := fs.Feature("structure", "odd_keyword")

	m := map[string]float64{
		"script_ratio": scriptRatio,
		"anchor_ratio": anchorRatio,
		"text_density": textDensity,
		"token_count":  tokenCount,
		"retro_score":  retroScore,
	}

	if scriptRatio > s.cfg.MaxScriptRatio {
		return crawler.StageResult{
			Stage:   s.Name(),
			Verdict: crawler.VerdictSkip,
			Reason:  fmt.Sprintf("script_ratio>%v", s.cfg.MaxScriptRatio),
			Metrics: m,
		}
	}
	if anchorRatio > s.cfg.MaxAnchorRatio {
		return crawler.StageResult{
			Stage:   s.Name(),
			Verdict: crawler.VerdictSkip,
			Reason:  fmt.Sprintf("anchor_ratio>%v", s.cfg.MaxAnchorRatio),
			Metrics: m,
		}
	}

	if textDensity >= s.cfg.MinTextDensity {
		return crawler.StageResult{Stage: s.Name(), Verdict: crawler.VerdictPass, Metrics: m}
	}

	// Low density. Retro markup, odd keywords, heavy anchoring, or enough
	// tokens all suggest a page worth a closer look despite the sparsity.
	override := ""
	switch {
	case tokenCount >= s.cfg.TokenCountOverride:
		override = "token"
	case retroScore >= s.cfg.RetroScoreOverride:
		override = "retro"
	case anchorRatio >= s.cfg.AnchorRatioOverride:
		override = "anchor"
	case oddKeyword > 0:
		override = "keyword"
	}

	if override == "" && tokenCount <= s.cfg.LowDensityTokenCap {
		return crawler.StageResult{
			Stage:   s.Name(),
			Verdict: crawler.VerdictSkip,
			Reason:  fmt.Sprintf("text_density<%v", s.cfg.MinTextDensity),
			Metrics: m,
		}
	}
	if override == "" {
		override = "low_density"
	}
	return crawler.StageResult{
		Stage:   s.Name(),
		Verdict: crawler.VerdictWarn,
		Reason:  fmt.Sprintf("text_density<%v escape:%s", s.cfg.MinTextDensity, override),
		Metrics: m,
	}
}

// KeywordSkim skips pages whose text matches any of the configured boring
// phrases. Matching is plain lowercase substring search over the extracted
// text, which is cheap and good enough at this point in the funnel.
type KeywordSkim struct {
	boring []string
}

// NewKeywordSkim builds the skim; phrases are lowercased once here.
func NewKeywordSkim(boring []string) *KeywordSkim {
	normalized := make([]string, 0, len(boring))
	for _, kw := range boring {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			normalized = append(normalized, kw)
		}
	}
	return &KeywordSkim{boring: normalized}
}

// Name implements crawler.Stage.
func (k *KeywordSkim) Name() string { return "keywords" }

// Evaluate implements crawler.Stage.
func (k *KeywordSkim) Evaluate(_ context.Context, fs *crawler.FeatureSet) crawler.StageResult {
	text := strings.ToLower(fs.Text)
	for _, kw := range k.boring {
		if strings.Contains(text, kw) {
			return crawler.StageResult{
				Stage:   k.Name(),
				Verdict: crawler.VerdictSkip,
				Reason:  "keyword:" + kw,
			}
		}
	}
	return crawler.StageResult{Stage: k.Name(), Verdict: crawler.VerdictPass}
}

// NearDuplicate fingerprints the extracted text and skips when an earlier
// page sits within the Hamming threshold. Every fingerprint is inserted,
// skipped or not, so the earliest page of a duplicate cluster stays the
// cluster's representative.
type NearDuplicate struct {
	index     crawler.FingerprintIndex
	threshold int
}

// NewNearDuplicate builds the stage over a shared fingerprint index.
func NewNearDuplicate(index crawler.FingerprintIndex, threshold int) (*NearDuplicate, error) {
	if index == nil {
		return nil, fmt.Errorf("near-duplicate stage requires a fingerprint index")
	}
	if threshold < 0 || threshold > 64 {
		return nil, fmt.Errorf("near-duplicate threshold must be in [0, 64]")
	}
	return &NearDuplicate{index: index, threshold: threshold}, nil
}

// Name implements crawler.Stage.
func (n *NearDuplicate) Name() string { return "near_duplicate" }

// Evaluate implements crawler.Stage.
func (n *NearDuplicate) Evaluate(_ context.Context, fs *crawler.FeatureSet) crawler.StageResult {
	fp := dedup.Fingerprint(fs.Text)
	ref, distance, found := n.index.Nearest(fp)
	n.index.Insert(fp, fs.URL)

	if found && distance <= n.threshold {
		return crawler.StageResult{
			Stage:   n.Name(),
			Verdict: crawler.VerdictSkip,
			Reason:  "near_duplicate_of:" + ref,
			Metrics: map[string]float64{"hamming_distance": float64(distance)},
		}
	}
	m := map[string]float64{}
	if found {
		m["hamming_distance"] = float64(distance)
	}
	return crawler.StageResult{Stage: n.Name(), Verdict: crawler.VerdictPass, Metrics: m}
}
