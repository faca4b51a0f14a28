//go:build property
// +build property

package reputation_test

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Concord-Labs/concord/pkg/reputation"
)

// TestWeightStaysBounded checks that no sequence of outcomes can push a
// weight outside [0, weight_max], nor a single delta outside
// [-delta_max, delta_max].
func TestWeightStaysBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	cfg := reputation.DefaultConfig()
	properties.Property("bounds hold under arbitrary outcome sequences", prop.ForAll(
		func(outcomes []float64, confidences []float64) bool {
			l := reputation.NewLedger(cfg)
			if err := l.Enroll("agent-a"); err != nil {
				return false
			}

			n := len(outcomes)
			if len(confidences) < n {
				n = len(confidences)
			}
			for i := 0; i < n; i++ {
				delta, err := l.RecordOutcome("agent-a", outcomes[i], confidences[i], "ref")
				if err != nil {
					return false
				}
				if math.Abs(delta) > cfg.DeltaMax+1e-9 {
					return false
				}
				w := l.Weight("agent-a")
				if w < 0 || w > cfg.WeightMax {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(-10, 10)),
		gen.SliceOf(gen.Float64Range(-1, 2)),
	))

	properties.TestingRun(t)
}

// TestReplayMatchesProjection checks that replaying the log to the latest
// timestamp reproduces the cached weight projection.
func TestReplayMatchesProjection(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("log replay agrees with cached weight", prop.ForAll(
		func(outcomes []float64) bool {
			l := reputation.NewLedger(reputation.DefaultConfig())
			if err := l.Enroll("agent-a"); err != nil {
				return false
			}
			for _, o := range outcomes {
				if _, err := l.RecordOutcome("agent-a", o, 0.5, "ref"); err != nil {
					return false
				}
			}

			history := l.History("agent-a")
			last := history[len(history)-1].Timestamp
			return math.Abs(l.ReplayWeight("agent-a", last)-l.Weight("agent-a")) < 1e-12
		},
		gen.SliceOf(gen.Float64Range(-2, 2)),
	))

	properties.TestingRun(t)
}
