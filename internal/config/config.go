// Package config loads and validates frontier configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/oddfrontier/internal/bandit"
	"github.com/JakeFAU/oddfrontier/internal/canonical"
	"github.com/JakeFAU/oddfrontier/internal/cascade"
	"github.com/JakeFAU/oddfrontier/internal/frontier"
	"github.com/JakeFAU/oddfrontier/internal/ledger"
	"github.com/JakeFAU/oddfrontier/internal/triage"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Bandit    BanditConfig    `mapstructure:"bandit"`
	Canonical CanonicalConfig `mapstructure:"canonical"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Cascade   CascadeConfig   `mapstructure:"cascade"`
	Fusion    FusionConfig    `mapstructure:"fusion"`
	Triage    TriageConfig    `mapstructure:"triage"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FrontierConfig governs queue, lease, and priority behavior.
type FrontierConfig struct {
	LeaseTTLSeconds     int     `mapstructure:"lease_ttl_seconds"`
	ReapIntervalSeconds int     `mapstructure:"reap_interval_seconds"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	RetryPenalty        float64 `mapstructure:"retry_penalty"`
	WeightBandit        float64 `mapstructure:"weight_bandit"`
	WeightNovelty       float64 `mapstructure:"weight_novelty"`
	DepthPenalty        float64 `mapstructure:"depth_penalty"`
	CrossDomainBonus    float64 `mapstructure:"cross_domain_bonus"`
	MinPriority         float64 `mapstructure:"min_priority"`
	MaxPriority         float64 `mapstructure:"max_priority"`
	GlobalRPS           float64 `mapstructure:"global_rps"`
	GlobalBurst         int     `mapstructure:"global_burst"`
}

// LedgerConfig governs politeness and backoff per host.
type LedgerConfig struct {
	MinIntervalSeconds     int      `mapstructure:"min_interval_seconds"`
	MaxFailuresBeforeBlock int      `mapstructure:"max_failures_before_block"`
	BaseBackoffSeconds     int      `mapstructure:"base_backoff_seconds"`
	BackoffExponentCap     int      `mapstructure:"backoff_exponent_cap"`
	YieldAlpha             float64  `mapstructure:"yield_alpha"`
	PerHostConcurrency     int      `mapstructure:"per_host_concurrency"`
	Blocklist              []string `mapstructure:"blocklist"`
}

// BanditConfig tunes the exploration/exploitation allocator.
type BanditConfig struct {
	Exploration  float64 `mapstructure:"exploration"`
	Initial      float64 `mapstructure:"initial"`
	NoveltyDecay float64 `mapstructure:"novelty_decay"`
	NoveltyFloor float64 `mapstructure:"novelty_floor"`
	TieJitter    float64 `mapstructure:"tie_jitter"`
	Seed         int64   `mapstructure:"seed"`
}

// CanonicalConfig tunes URL normalization.
type CanonicalConfig struct {
	AllowedSchemes         []string `mapstructure:"allowed_schemes"`
	StripQueryKeys         []string `mapstructure:"strip_query_keys"`
	HonorDeclaredCanonical bool     `mapstructure:"honor_declared_canonical"`
}

// DedupConfig sizes the seen-URL filter and the fingerprint index.
type DedupConfig struct {
	BloomCapacity    uint64  `mapstructure:"bloom_capacity"`
	BloomFPRate      float64 `mapstructure:"bloom_fp_rate"`
	HammingThreshold int     `mapstructure:"hamming_threshold"`
}

// CascadeConfig tunes the pre-fusion stages.
type CascadeConfig struct {
	MaxScriptRatio      float64  `mapstructure:"max_script_ratio"`
	MaxAnchorRatio      float64  `mapstructure:"max_anchor_ratio"`
	MinTextDensity      float64  `mapstructure:"min_text_density"`
	TokenCountOverride  float64  `mapstructure:"token_count_override"`
	RetroScoreOverride  float64  `mapstructure:"retro_score_override"`
	AnchorRatioOverride float64  `mapstructure:"anchor_ratio_override"`
	LowDensityTokenCap  float64  `mapstructure:"low_density_token_cap"`
	BoringKeywords      []string `mapstructure:"boring_keywords"`
	OverrideStages      []string `mapstructure:"override_stages"`
}

// FusionConfig holds the terminal scorer's weights and thresholds.
type FusionConfig struct {
	Weights          map[string]float64 `mapstructure:"weights"`
	Bias             float64            `mapstructure:"bias"`
	PersistThreshold float64            `mapstructure:"persist_threshold"`
	LLMGateThreshold float64            `mapstructure:"llm_gate_threshold"`
	AlertThreshold   float64            `mapstructure:"alert_threshold"`
}

// TriageConfig names downstream topics.
type TriageConfig struct {
	DecisionTopic string `mapstructure:"decision_topic"`
	AnalystTopic  string `mapstructure:"analyst_topic"`
}

// SnapshotConfig selects and tunes the snapshot backend.
type SnapshotConfig struct {
	Backend         string `mapstructure:"backend"` // memory | local | gcs | postgres
	Name            string `mapstructure:"name"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	LocalDir        string `mapstructure:"local_dir"`
	GCSBucket       string `mapstructure:"gcs_bucket"`
	GCSPrefix       string `mapstructure:"gcs_prefix"`
	DSN             string `mapstructure:"dsn"`
	Table           string `mapstructure:"table"`
}

// PubSubConfig selects the decision publisher.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"` // memory | pubsub
	ProjectID string `mapstructure:"project_id"`
}

// RedisConfig points the exact seen-hash store at Redis; empty address
// keeps the in-memory store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ODDFRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("frontier.lease_ttl_seconds", 120)
	v.SetDefault("frontier.reap_interval_seconds", 15)
	v.SetDefault("frontier.max_attempts", 3)
	v.SetDefault("frontier.retry_penalty", 0.1)
	v.SetDefault("frontier.weight_bandit", 0.5)
	v.SetDefault("frontier.weight_novelty", 0.3)
	v.SetDefault("frontier.depth_penalty", 0.03)
	v.SetDefault("frontier.cross_domain_bonus", 0.05)
	v.SetDefault("frontier.min_priority", 0.05)
	v.SetDefault("frontier.max_priority", 1.0)
	v.SetDefault("frontier.global_rps", 0)
	v.SetDefault("frontier.global_burst", 1)
	v.SetDefault("ledger.min_interval_seconds", 2)
	v.SetDefault("ledger.max_failures_before_block", 3)
	v.SetDefault("ledger.base_backoff_seconds", 60)
	v.SetDefault("ledger.backoff_exponent_cap", 6)
	v.SetDefault("ledger.yield_alpha", 0.3)
	v.SetDefault("ledger.per_host_concurrency", 1)
	v.SetDefault("bandit.exploration", 0.25)
	v.SetDefault("bandit.initial", 0.6)
	v.SetDefault("bandit.novelty_decay", 6)
	v.SetDefault("bandit.novelty_floor", 0.1)
	v.SetDefault("bandit.tie_jitter", 0.01)
	v.SetDefault("canonical.strip_query_keys", []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "fbclid", "gclid"})
	v.SetDefault("canonical.honor_declared_canonical", true)
	v.SetDefault("dedup.bloom_capacity", 10_000_000)
	v.SetDefault("dedup.bloom_fp_rate", 0.001)
	v.SetDefault("dedup.hamming_threshold", 5)
	v.SetDefault("cascade.max_script_ratio", 0.55)
	v.SetDefault("cascade.max_anchor_ratio", 0.65)
	v.SetDefault("cascade.min_text_density", 0.02)
	v.SetDefault("cascade.token_count_override", 40)
	v.SetDefault("cascade.retro_score_override", 0.3)
	v.SetDefault("cascade.anchor_ratio_override", 0.35)
	v.SetDefault("cascade.low_density_token_cap", 15)
	v.SetDefault("cascade.boring_keywords", []string{"insurance", "mortgage", "real estate", "press release", "terms and conditions", "privacy policy"})
	v.SetDefault("fusion.weights", map[string]float64{
		"retro_html": 0.25,
		"url_weird":  0.10,
		"semantic":   0.30,
		"anomaly":    0.20,
		"graph":      0.15,
	})
	v.SetDefault("fusion.bias", -0.25)
	v.SetDefault("fusion.persist_threshold", 0.35)
	v.SetDefault("fusion.llm_gate_threshold", 0.60)
	v.SetDefault("fusion.alert_threshold", 0.80)
	v.SetDefault("triage.decision_topic", "oddfrontier-decisions")
	v.SetDefault("triage.analyst_topic", "oddfrontier-analyst")
	v.SetDefault("snapshot.backend", "memory")
	v.SetDefault("snapshot.name", "frontier")
	v.SetDefault("snapshot.interval_seconds", 60)
	v.SetDefault("snapshot.table", "snapshots")
	v.SetDefault("pubsub.backend", "memory")
	v.SetDefault("redis.key", "oddfrontier:seen")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits across every
// section, so a bad deployment dies at startup rather than mid-crawl.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.FrontierConfig().Validate(); err != nil {
		return err
	}
	if err := c.LedgerConfig().Validate(); err != nil {
		return err
	}
	if err := c.BanditConfig().Validate(); err != nil {
		return err
	}
	if err := c.FusionConfig().Validate(); err != nil {
		return err
	}
	if err := c.Triage.toTriage().Validate(); err != nil {
		return err
	}
	if c.Dedup.BloomCapacity == 0 {
		return fmt.Errorf("dedup.bloom_capacity must be > 0")
	}
	if c.Dedup.BloomFPRate <= 0 || c.Dedup.BloomFPRate >= 1 {
		return fmt.Errorf("dedup.bloom_fp_rate must be in (0, 1)")
	}
	if c.Dedup.HammingThreshold < 0 || c.Dedup.HammingThreshold > 64 {
		return fmt.Errorf("dedup.hamming_threshold must be in [0, 64]")
	}
	switch c.Snapshot.Backend {
	case "memory":
	case "local":
		if c.Snapshot.LocalDir == "" {
			return fmt.Errorf("snapshot.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Snapshot.GCSBucket == "" {
			return fmt.Errorf("snapshot.gcs_bucket must be set for the gcs backend")
		}
	case "postgres":
		if c.Snapshot.DSN == "" {
			return fmt.Errorf("snapshot.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("snapshot.backend must be one of memory, local, gcs, postgres")
	}
	switch c.PubSub.Backend {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("pubsub.backend must be one of memory, pubsub")
	}
	return nil
}

// FrontierConfig converts the section into the frontier package's config.
func (c Config) FrontierConfig() frontier.Config {
	return frontier.Config{
		LeaseTTL:         time.Duration(c.Frontier.LeaseTTLSeconds) * time.Second,
		ReapInterval:     time.Duration(c.Frontier.ReapIntervalSeconds) * time.Second,
		MaxAttempts:      c.Frontier.MaxAttempts,
		RetryPenalty:     c.Frontier.RetryPenalty,
		WeightBandit:     c.Frontier.WeightBandit,
		WeightNovelty:    c.Frontier.WeightNovelty,
		DepthPenalty:     c.Frontier.DepthPenalty,
		CrossDomainBonus: c.Frontier.CrossDomainBonus,
		MinPriority:      c.Frontier.MinPriority,
		MaxPriority:      c.Frontier.MaxPriority,
		GlobalRPS:        c.Frontier.GlobalRPS,
		GlobalBurst:      c.Frontier.GlobalBurst,
	}
}

// LedgerConfig converts the section into the ledger package's config.
func (c Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		DefaultMinInterval:     time.Duration(c.Ledger.MinIntervalSeconds) * time.Second,
		MaxFailuresBeforeBlock: c.Ledger.MaxFailuresBeforeBlock,
		BaseBackoff:            time.Duration(c.Ledger.BaseBackoffSeconds) * time.Second,
		BackoffExponentCap:     c.Ledger.BackoffExponentCap,
		YieldAlpha:             c.Ledger.YieldAlpha,
		PerHostConcurrency:     c.Ledger.PerHostConcurrency,
	}
}

// BanditConfig converts the section into the bandit package's config.
func (c Config) BanditConfig() bandit.Config {
	return bandit.Config{
		Exploration:  c.Bandit.Exploration,
		Initial:      c.Bandit.Initial,
		NoveltyDecay: c.Bandit.NoveltyDecay,
		NoveltyFloor: c.Bandit.NoveltyFloor,
		TieJitter:    c.Bandit.TieJitter,
	}
}

// CanonicalPolicy converts the section into a canonicalization policy.
func (c Config) CanonicalPolicy() canonical.Policy {
	return canonical.Policy{
		AllowedSchemes:         c.Canonical.AllowedSchemes,
		StripQueryKeys:         c.Canonical.StripQueryKeys,
		HonorDeclaredCanonical: c.Canonical.HonorDeclaredCanonical,
	}
}

// StructuralConfig converts the section into the structural gate's config.
func (c Config) StructuralConfig() cascade.StructuralConfig {
	return cascade.StructuralConfig{
		MaxScriptRatio:      c.Cascade.MaxScriptRatio,
		MaxAnchorRatio:      c.Cascade.MaxAnchorRatio,
		MinTextDensity:      c.Cascade.MinTextDensity,
		TokenCountOverride:  c.Cascade.TokenCountOverride,
		RetroScoreOverride:  c.Cascade.RetroScoreOverride,
		AnchorRatioOverride: c.Cascade.AnchorRatioOverride,
		LowDensityTokenCap:  c.Cascade.LowDensityTokenCap,
	}
}

// FusionConfig converts the section into the fusion scorer's config.
func (c Config) FusionConfig() cascade.FusionConfig {
	return cascade.FusionConfig{
		Weights:          c.Fusion.Weights,
		Bias:             c.Fusion.Bias,
		PersistThreshold: c.Fusion.PersistThreshold,
		LLMGateThreshold: c.Fusion.LLMGateThreshold,
		AlertThreshold:   c.Fusion.AlertThreshold,
	}
}

// TriageConfig converts the section into the triage router's config.
func (c Config) TriageConfig() triage.Config {
	return c.Triage.toTriage()
}

func (t TriageConfig) toTriage() triage.Config {
	return triage.Config{
		DecisionTopic: t.DecisionTopic,
		AnalystTopic:  t.AnalystTopic,
	}
}

// SnapshotInterval returns the snapshot cadence as a duration.
func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Snapshot.IntervalSeconds) * time.Second
}
