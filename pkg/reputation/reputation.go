// Package reputation maintains each agent's voting weight as an
// append-only log of adjustments with a cached "current weight"
// projection. Weights are never edited in place; every change appends an
// entry referencing the outcome that caused it, which gives point-in-time
// replay for audits for free.
package reputation

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Entry is one immutable weight adjustment.
type Entry struct {
	Sequence   uint64    `json:"sequence"`
	AgentID    string    `json:"agent_id"`
	ScoreDelta float64   `json:"score_delta"`
	Resulting  float64   `json:"resulting_score"`
	OutcomeRef string    `json:"outcome_ref"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeltaPolicy maps a realized outcome and the agent's stated confidence to
// a raw score delta. The ledger clamps the result to [-deltaMax, deltaMax],
// so policies may return unbounded values.
type DeltaPolicy func(outcome, confidence float64) float64

// DefaultDeltaPolicy scales the outcome by confidence, and amplifies the
// penalty for confident wrong calls: a high-confidence loss costs more
// than a hesitant one.
func DefaultDeltaPolicy(outcome, confidence float64) float64 {
	confidence = math.Max(0, math.Min(1, confidence))
	if outcome >= 0 {
		return outcome * confidence
	}
	return outcome * confidence * (1 + confidence)
}

// Config bounds the ledger's adjustments.
type Config struct {
	InitialWeight float64 `yaml:"initial_weight" json:"initial_weight"`
	WeightMax     float64 `yaml:"weight_max" json:"weight_max"`
	DeltaMax      float64 `yaml:"delta_max" json:"delta_max"`
}

// DefaultConfig returns conservative bounds.
func DefaultConfig() Config {
	return Config{InitialWeight: 1.0, WeightMax: 2.0, DeltaMax: 0.25}
}

// Ledger is the append-only reputation log plus its weight projection.
type Ledger struct {
	mu      sync.RWMutex
	cfg     Config
	policy  DeltaPolicy
	entries []Entry
	weights map[string]float64 // projection, rebuilt from entries on demand
	seq     uint64
	clock   func() time.Time
}

// NewLedger creates a reputation ledger with the given bounds.
func NewLedger(cfg Config) *Ledger {
	return &Ledger{
		cfg:     cfg,
		policy:  DefaultDeltaPolicy,
		entries: make([]Entry, 0),
		weights: make(map[string]float64),
		clock:   time.Now,
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithPolicy overrides the delta policy. Policy is configuration, not a
// hard-coded constant.
func (l *Ledger) WithPolicy(p DeltaPolicy) *Ledger {
	l.policy = p
	return l
}

// Enroll seeds an agent at the configured initial weight. Enrolling an
// already-known agent is an error; weights only move through outcomes.
func (l *Ledger) Enroll(agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, known := l.weights[agentID]; known {
		return fmt.Errorf("reputation: %q already enrolled", agentID)
	}
	l.appendLocked(agentID, l.cfg.InitialWeight, l.cfg.InitialWeight, "ENROLL")
	return nil
}

// Weight returns the agent's current voting weight. Unknown agents weigh
// zero: an unenrolled voter has no influence.
func (l *Ledger) Weight(agentID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.weights[agentID]
}

// RecordOutcome applies a realized outcome to the agent's weight and
// returns the clamped delta that was applied.
func (l *Ledger) RecordOutcome(agentID string, outcome, confidence float64, outcomeRef string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old, known := l.weights[agentID]
	if !known {
		return 0, fmt.Errorf("reputation: %q not enrolled", agentID)
	}

	delta := l.policy(outcome, confidence)
	delta = math.Max(-l.cfg.DeltaMax, math.Min(l.cfg.DeltaMax, delta))

	next := math.Max(0, math.Min(l.cfg.WeightMax, old+delta))
	l.appendLocked(agentID, next-old, next, outcomeRef)
	return next - old, nil
}

// Silence forces an agent's weight to zero (suspension). Appended like any
// other adjustment so the audit trail shows who was silenced and when.
func (l *Ledger) Silence(agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	old, known := l.weights[agentID]
	if !known {
		return fmt.Errorf("reputation: %q not enrolled", agentID)
	}
	l.appendLocked(agentID, -old, 0, "SUSPEND")
	return nil
}

// Restore lifts a silence by returning the agent to the initial weight.
func (l *Ledger) Restore(agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	old, known := l.weights[agentID]
	if !known {
		return fmt.Errorf("reputation: %q not enrolled", agentID)
	}
	l.appendLocked(agentID, l.cfg.InitialWeight-old, l.cfg.InitialWeight, "REINSTATE")
	return nil
}

// History returns the agent's adjustment entries in append order.
func (l *Ledger) History(agentID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}

// ReplayWeight recomputes the agent's weight at a past time from the log
// alone, ignoring the cached projection.
func (l *Ledger) ReplayWeight(agentID string, at time.Time) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var w float64
	for _, e := range l.entries {
		if e.AgentID == agentID && !e.Timestamp.After(at) {
			w = e.Resulting
		}
	}
	return w
}

// appendLocked assumes l.mu is held for writing.
func (l *Ledger) appendLocked(agentID string, delta, resulting float64, ref string) {
	l.seq++
	l.entries = append(l.entries, Entry{
		Sequence:   l.seq,
		AgentID:    agentID,
		ScoreDelta: delta,
		Resulting:  resulting,
		OutcomeRef: ref,
		Timestamp:  l.clock().UTC(),
	})
	l.weights[agentID] = resulting
}
