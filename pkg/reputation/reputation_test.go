package reputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, now *time.Time) *Ledger {
	t.Helper()
	l := NewLedger(DefaultConfig()).WithClock(func() time.Time { return *now })
	require.NoError(t, l.Enroll("agent-a"))
	return l
}

func TestEnroll(t *testing.T) {
	now := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	l := newTestLedger(t, &now)

	require.InDelta(t, 1.0, l.Weight("agent-a"), 1e-9)
	require.Zero(t, l.Weight("stranger")) // unenrolled voters have no influence
	require.Error(t, l.Enroll("agent-a"))
}

func TestRecordOutcome(t *testing.T) {
	now := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)

	t.Run("gain scaled by confidence", func(t *testing.T) {
		l := newTestLedger(t, &now)
		delta, err := l.RecordOutcome("agent-a", 0.2, 0.5, "intent-1")
		require.NoError(t, err)
		require.InDelta(t, 0.1, delta, 1e-9)
		require.InDelta(t, 1.1, l.Weight("agent-a"), 1e-9)
	})

	t.Run("confident wrong call costs more than a hesitant one", func(t *testing.T) {
		l := newTestLedger(t, &now)
		require.NoError(t, l.Enroll("agent-b"))

		hesitant, err := l.RecordOutcome("agent-a", -0.1, 0.2, "intent-1")
		require.NoError(t, err)
		confident, err := l.RecordOutcome("agent-b", -0.1, 0.9, "intent-1")
		require.NoError(t, err)
		require.Less(t, confident, hesitant)
	})

	t.Run("delta clamped to delta_max", func(t *testing.T) {
		l := newTestLedger(t, &now)
		delta, err := l.RecordOutcome("agent-a", 1.0, 1.0, "intent-1")
		require.NoError(t, err)
		require.InDelta(t, 0.25, delta, 1e-9)

		delta, err = l.RecordOutcome("agent-a", -1.0, 1.0, "intent-2")
		require.NoError(t, err)
		require.InDelta(t, -0.25, delta, 1e-9)
	})

	t.Run("weight clamped to bounds", func(t *testing.T) {
		l := newTestLedger(t, &now)
		for i := 0; i < 10; i++ {
			_, err := l.RecordOutcome("agent-a", 1.0, 1.0, "up")
			require.NoError(t, err)
		}
		require.InDelta(t, 2.0, l.Weight("agent-a"), 1e-9)

		for i := 0; i < 20; i++ {
			_, err := l.RecordOutcome("agent-a", -1.0, 1.0, "down")
			require.NoError(t, err)
		}
		require.Zero(t, l.Weight("agent-a")) // floor is zero, never negative
	})

	t.Run("unknown agent", func(t *testing.T) {
		l := newTestLedger(t, &now)
		_, err := l.RecordOutcome("stranger", 0.5, 0.5, "intent-1")
		require.Error(t, err)
	})
}

func TestSilenceAndRestore(t *testing.T) {
	now := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	l := newTestLedger(t, &now)

	require.NoError(t, l.Silence("agent-a"))
	require.Zero(t, l.Weight("agent-a"))

	require.NoError(t, l.Restore("agent-a"))
	require.InDelta(t, 1.0, l.Weight("agent-a"), 1e-9)

	history := l.History("agent-a")
	require.Len(t, history, 3)
	require.Equal(t, "SUSPEND", history[1].OutcomeRef)
	require.Equal(t, "REINSTATE", history[2].OutcomeRef)
}

func TestReplayWeight(t *testing.T) {
	now := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	l := newTestLedger(t, &now)
	enrolledAt := now

	now = now.Add(time.Hour)
	_, err := l.RecordOutcome("agent-a", 0.2, 0.5, "intent-1")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = l.RecordOutcome("agent-a", -1.0, 1.0, "intent-2")
	require.NoError(t, err)

	// The log alone reconstructs any past weight.
	require.InDelta(t, 1.0, l.ReplayWeight("agent-a", enrolledAt), 1e-9)
	require.InDelta(t, 1.1, l.ReplayWeight("agent-a", enrolledAt.Add(time.Hour)), 1e-9)
	require.InDelta(t, 0.85, l.ReplayWeight("agent-a", enrolledAt.Add(2*time.Hour)), 1e-9)
	require.Zero(t, l.ReplayWeight("agent-a", enrolledAt.Add(-time.Minute)))
}

func TestCustomPolicy(t *testing.T) {
	now := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	l := NewLedger(Config{InitialWeight: 1, WeightMax: 2, DeltaMax: 1}).
		WithClock(func() time.Time { return now }).
		WithPolicy(func(outcome, confidence float64) float64 { return outcome / 2 })
	require.NoError(t, l.Enroll("agent-a"))

	delta, err := l.RecordOutcome("agent-a", 0.8, 0, "intent-1")
	require.NoError(t, err)
	require.InDelta(t, 0.4, delta, 1e-9)
}
