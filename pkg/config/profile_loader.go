package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Concord-Labs/concord/pkg/arbiter"
	"github.com/Concord-Labs/concord/pkg/heartbeat"
	"github.com/Concord-Labs/concord/pkg/reputation"
)

// GovernanceProfile is one named risk posture: voting defaults, liveness
// windows, and execution limits. Durations are expressed in milliseconds
// so profiles stay plain YAML scalars.
type GovernanceProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Code       string           `yaml:"code" json:"code"`
	Consensus  ConsensusConfig  `yaml:"consensus" json:"consensus"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat" json:"heartbeat"`
	Execution  ExecutionConfig  `yaml:"execution" json:"execution"`
	Reputation ReputationConfig `yaml:"reputation" json:"reputation"`
}

// ConsensusConfig holds voting defaults per profile.
type ConsensusConfig struct {
	DefaultThreshold float64 `yaml:"default_threshold" json:"default_threshold"`
	DefaultTTLMs     int     `yaml:"default_ttl_ms" json:"default_ttl_ms"`
	SweepIntervalMs  int     `yaml:"sweep_interval_ms" json:"sweep_interval_ms"`
}

// HeartbeatConfig holds liveness windows per profile.
type HeartbeatConfig struct {
	IntervalMs    int `yaml:"interval_ms" json:"interval_ms"`
	QuietPeriodMs int `yaml:"quiet_period_ms" json:"quiet_period_ms"`
}

// ExecutionConfig bounds the arbiter per profile.
type ExecutionConfig struct {
	MaxLatencyMs   int     `yaml:"max_latency_ms" json:"max_latency_ms"`
	MaxNotional    float64 `yaml:"max_notional" json:"max_notional"`
	RatioWindowMs  int     `yaml:"ratio_window_ms" json:"ratio_window_ms"`
	MaxIntentRatio float64 `yaml:"max_intent_ratio" json:"max_intent_ratio"`
	DedupWindowMs  int     `yaml:"dedup_window_ms" json:"dedup_window_ms"`
	IntakeRate     float64 `yaml:"intake_rate" json:"intake_rate"`
	IntakeBurst    int     `yaml:"intake_burst" json:"intake_burst"`
}

// ReputationConfig bounds weight adjustments per profile.
type ReputationConfig struct {
	InitialWeight float64 `yaml:"initial_weight" json:"initial_weight"`
	WeightMax     float64 `yaml:"weight_max" json:"weight_max"`
	DeltaMax      float64 `yaml:"delta_max" json:"delta_max"`
}

// LoadProfile loads a governance profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*GovernanceProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile GovernanceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", code, err)
	}
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*GovernanceProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*GovernanceProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile GovernanceProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_prod.yaml -> prod
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", path, err)
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Validate rejects profiles that would disable the safety rails.
func (p *GovernanceProfile) Validate() error {
	if p.Consensus.DefaultThreshold <= 0 || p.Consensus.DefaultThreshold > 1 {
		return fmt.Errorf("default_threshold must be in (0, 1], got %g", p.Consensus.DefaultThreshold)
	}
	if p.Consensus.DefaultTTLMs <= 0 {
		return fmt.Errorf("default_ttl_ms must be positive, got %d", p.Consensus.DefaultTTLMs)
	}
	if p.Heartbeat.IntervalMs <= 0 {
		return fmt.Errorf("heartbeat interval_ms must be positive, got %d", p.Heartbeat.IntervalMs)
	}
	if p.Execution.MaxLatencyMs <= 0 {
		return fmt.Errorf("max_latency_ms must be positive, got %d", p.Execution.MaxLatencyMs)
	}
	if p.Execution.MaxNotional <= 0 {
		return fmt.Errorf("max_notional must be positive, got %g", p.Execution.MaxNotional)
	}
	if p.Reputation.WeightMax <= 0 || p.Reputation.DeltaMax <= 0 {
		return fmt.Errorf("reputation bounds must be positive")
	}
	return nil
}

// HeartbeatSettings converts the profile into the monitor's config.
func (p *GovernanceProfile) HeartbeatSettings() heartbeat.Config {
	return heartbeat.Config{
		Interval:    time.Duration(p.Heartbeat.IntervalMs) * time.Millisecond,
		QuietPeriod: time.Duration(p.Heartbeat.QuietPeriodMs) * time.Millisecond,
	}
}

// ExecutionLimits converts the profile into the arbiter's limits.
func (p *GovernanceProfile) ExecutionLimits() arbiter.Limits {
	return arbiter.Limits{
		MaxLatency:     time.Duration(p.Execution.MaxLatencyMs) * time.Millisecond,
		MaxNotional:    p.Execution.MaxNotional,
		RatioWindow:    time.Duration(p.Execution.RatioWindowMs) * time.Millisecond,
		MaxIntentRatio: p.Execution.MaxIntentRatio,
		DedupWindow:    time.Duration(p.Execution.DedupWindowMs) * time.Millisecond,
		IntakeRate:     p.Execution.IntakeRate,
		IntakeBurst:    p.Execution.IntakeBurst,
	}
}

// ReputationSettings converts the profile into the reputation ledger's
// bounds.
func (p *GovernanceProfile) ReputationSettings() reputation.Config {
	return reputation.Config{
		InitialWeight: p.Reputation.InitialWeight,
		WeightMax:     p.Reputation.WeightMax,
		DeltaMax:      p.Reputation.DeltaMax,
	}
}
