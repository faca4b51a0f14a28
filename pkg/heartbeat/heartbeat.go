// Package heartbeat tracks liveness of the decision layer and derives the
// safe-mode flag consumed by the execution arbiter.
//
// Status is a pure function of elapsed time since the last heartbeat:
// ALIVE under one interval, LAGGING between one and three, DEAD beyond
// three. The monitor never blocks its consumers; it publishes a single
// atomically-readable flag that the arbiter consults at the start of every
// risk-check evaluation. In-flight intents already past that check are
// unaffected.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Concord-Labs/concord/pkg/forensic"
)

// Status is the derived liveness state of the proposing layer.
type Status string

const (
	StatusAlive   Status = "ALIVE"
	StatusLagging Status = "LAGGING"
	StatusDead    Status = "DEAD"
)

// Config tunes the monitor.
type Config struct {
	// Interval is the expected heartbeat period.
	Interval time.Duration `yaml:"interval" json:"interval"`
	// QuietPeriod must elapse after liveness returns before safe mode
	// lifts. Guards against flapping sources.
	QuietPeriod time.Duration `yaml:"quiet_period" json:"quiet_period"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Interval: 1 * time.Second, QuietPeriod: 5 * time.Second}
}

// Monitor observes heartbeats and publishes the derived state.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	ledger *forensic.Ledger
	logger *slog.Logger
	clock  func() time.Time

	lastBeat   time.Time
	lastSource string

	safeMode   atomic.Bool
	emergency  bool
	quietUntil time.Time

	subscribers []func(Status, bool)
}

// NewMonitor creates a monitor. The first interval starts at creation
// time, so a decision layer that never beats at all still trips DEAD.
func NewMonitor(cfg Config, ledger *forensic.Ledger, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		cfg:    cfg,
		ledger: ledger,
		logger: logger.With("component", "heartbeat"),
		clock:  time.Now,
	}
	m.lastBeat = m.clock()
	return m
}

// WithClock overrides clock for testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	m.lastBeat = clock()
	return m
}

// Beat records a liveness pulse from the decision layer.
func (m *Monitor) Beat(sourceID string, ts time.Time) error {
	if sourceID == "" {
		return fmt.Errorf("heartbeat: empty source id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ts.After(m.lastBeat) {
		m.lastBeat = ts
		m.lastSource = sourceID
	}
	m.evaluateLocked()
	return nil
}

// Status returns the current derived liveness state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked()
}

// SafeModeActive is the atomically-read flag consumed by the arbiter.
// True while the decision layer is DEAD, while an emergency halt is in
// force, or during the post-recovery quiet period.
func (m *Monitor) SafeModeActive() bool {
	return m.safeMode.Load()
}

// EmergencyHalt forces safe mode regardless of heartbeat state. Only this
// call and heartbeat death can trigger safe mode.
func (m *Monitor) EmergencyHalt(ctx context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.emergency = true
	entered := m.safeMode.CompareAndSwap(false, true)
	m.quietUntil = time.Time{}

	if entered {
		m.record(ctx, forensic.ActionEmergencyHalt, actorID, map[string]any{"reason": "EMERGENCY_HALT"})
		m.notifyLocked(StatusDead)
	}
	m.logger.Warn("emergency halt engaged", "actor", actorID)
	return nil
}

// LiftEmergencyHalt removes the explicit halt. Safe mode still holds until
// the heartbeat is ALIVE and the quiet period elapses.
func (m *Monitor) LiftEmergencyHalt(actorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.emergency = false
	m.logger.Info("emergency halt lifted", "actor", actorID)
	m.evaluateLocked()
}

// Subscribe registers a callback invoked on safe-mode transitions with the
// status at transition time and the new safe-mode flag.
func (m *Monitor) Subscribe(fn func(status Status, safeMode bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Run re-evaluates the derived state on a timer until ctx is done. The
// monitor itself stays non-blocking for consumers; this loop exists only
// so DEAD is noticed even when nothing polls.
func (m *Monitor) Run(ctx context.Context) {
	tick := m.cfg.Interval / 2
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.evaluateLocked()
			m.mu.Unlock()
		}
	}
}

// evaluateLocked derives the status and drives the safe-mode latch.
// Assumes m.mu is held.
func (m *Monitor) evaluateLocked() Status {
	now := m.clock()
	elapsed := now.Sub(m.lastBeat)

	var st Status
	switch {
	case elapsed < m.cfg.Interval:
		st = StatusAlive
	case elapsed <= 3*m.cfg.Interval:
		st = StatusLagging
	default:
		st = StatusDead
	}

	if st == StatusLagging {
		m.logger.Warn("decision layer lagging", "elapsed", elapsed, "source", m.lastSource)
	}

	if st == StatusDead {
		m.quietUntil = time.Time{}
		if m.safeMode.CompareAndSwap(false, true) {
			m.record(context.Background(), forensic.ActionSafeModeEntered, m.lastSource, map[string]any{
				"elapsed_ns":  elapsed.Nanoseconds(),
				"interval_ns": m.cfg.Interval.Nanoseconds(),
			})
			m.logger.Error("decision layer presumed dead, entering safe mode", "elapsed", elapsed)
			m.notifyLocked(st)
		}
		return st
	}

	// Recovery: explicit ALIVE plus a full quiet period, and no emergency
	// halt in force.
	if st == StatusAlive && m.safeMode.Load() && !m.emergency {
		if m.quietUntil.IsZero() {
			m.quietUntil = now.Add(m.cfg.QuietPeriod)
		} else if !now.Before(m.quietUntil) {
			m.safeMode.Store(false)
			m.quietUntil = time.Time{}
			m.record(context.Background(), forensic.ActionSafeModeCleared, m.lastSource, map[string]any{
				"quiet_period_ns": m.cfg.QuietPeriod.Nanoseconds(),
			})
			m.logger.Info("liveness restored, safe mode cleared")
			m.notifyLocked(st)
		}
	}
	return st
}

func (m *Monitor) record(ctx context.Context, action forensic.ActionType, actor string, payload map[string]any) {
	if m.ledger == nil {
		return
	}
	if actor == "" {
		actor = "heartbeat-monitor"
	}
	if _, err := m.ledger.Append(ctx, forensic.Record{
		ActorID:   actor,
		ActorRole: "SYSTEM",
		Action:    action,
		Target:    "execution-pipeline",
		Payload:   payload,
	}); err != nil {
		m.logger.Error("ledger append failed", "action", action, "error", err)
	}
}

func (m *Monitor) notifyLocked(st Status) {
	safe := m.safeMode.Load()
	for _, fn := range m.subscribers {
		fn(st, safe)
	}
}
