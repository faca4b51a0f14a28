package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Concord-Labs/concord/pkg/agent"
	"github.com/Concord-Labs/concord/pkg/forensic"
)

type fakeWeights map[string]float64

func (f fakeWeights) Weight(agentID string) float64 { return f[agentID] }

type captureSink struct {
	approved []*Proposal
	err      error
}

func (c *captureSink) SubmitApproved(_ context.Context, p *Proposal) error {
	c.approved = append(c.approved, p)
	return c.err
}

type engineFixture struct {
	engine *Engine
	ledger *forensic.Ledger
	sink   *captureSink
	now    *time.Time
}

func newEngineFixture(t *testing.T, weights fakeWeights) *engineFixture {
	t.Helper()

	led, err := forensic.Open(context.Background(), forensic.NewMemoryStore())
	require.NoError(t, err)

	reg := agent.NewRegistry()
	for id := range weights {
		_, err := reg.Register(id, agent.RoleProposer)
		require.NoError(t, err)
	}

	now := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	sink := &captureSink{}
	eng := NewEngine(reg, weights, led, nil).WithClock(clock)
	eng.SetIntentSink(sink)
	return &engineFixture{engine: eng, ledger: led, sink: sink, now: &now}
}

func (f *engineFixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func submitOpen(t *testing.T, f *engineFixture, proposer string, threshold float64) string {
	t.Helper()
	id, err := f.engine.SubmitProposal(context.Background(), proposer, "BTC-USD",
		ActionBuy, Params{Quantity: 0.5, Price: 64000, Confidence: 0.8}, threshold, time.Minute)
	require.NoError(t, err)
	return id
}

func TestWeightedApproval(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 0.7, "agent-b": 0.3})
	ctx := context.Background()

	id := submitOpen(t, f, "agent-a", 0.9)

	require.NoError(t, f.engine.CastVote(ctx, id, "agent-a", 1, "momentum breakout", nil))
	rep, err := f.engine.ProposalStatus(id)
	require.NoError(t, err)
	require.Equal(t, StatusVotingOpen, rep.Status)
	require.InDelta(t, 0.7, rep.Score, 1e-9)

	require.NoError(t, f.engine.CastVote(ctx, id, "agent-b", 1, "confirms", nil))
	rep, err = f.engine.ProposalStatus(id)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, rep.Status)
	require.InDelta(t, 1.0, rep.Score, 1e-9)
	require.Len(t, rep.Votes, 2)

	require.Len(t, f.sink.approved, 1)
	require.Equal(t, id, f.sink.approved[0].ID)
}

func TestApprovalAtExactThreshold(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 0.7, "agent-b": 0.3})
	ctx := context.Background()

	// 0.7 / 1.0 meets a 0.7 bar exactly; >= resolves, not >.
	id := submitOpen(t, f, "agent-a", 0.7)
	require.NoError(t, f.engine.CastVote(ctx, id, "agent-a", 1, "lead", nil))

	rep, err := f.engine.ProposalStatus(id)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, rep.Status)
}

func TestEarlyRejection(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 0.4, "agent-b": 0.3, "agent-c": 0.3})
	ctx := context.Background()

	id := submitOpen(t, f, "agent-a", 0.6)

	// -0.4 cast; even +0.6 from the rest tops out at 0.2 < 0.6.
	require.NoError(t, f.engine.CastVote(ctx, id, "agent-a", -1, "overbought", nil))

	rep, err := f.engine.ProposalStatus(id)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rep.Status)
	require.InDelta(t, -0.4, rep.Score, 1e-9)

	err = f.engine.CastVote(ctx, id, "agent-b", 1, "late", nil)
	require.ErrorIs(t, err, ErrUnknownProposal)
	require.Empty(t, f.sink.approved)
}

func TestAbstentionsCountAgainst(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 0.5, "agent-b": 0.5})
	ctx := context.Background()

	id := submitOpen(t, f, "agent-a", 0.6)
	require.NoError(t, f.engine.CastVote(ctx, id, "agent-a", 1, "", nil))
	require.NoError(t, f.engine.CastVote(ctx, id, "agent-b", 0, "no edge either way", nil))

	// 0.5 / 1.0: the abstainer's weight still sits in the denominator, and
	// with no voters left the proposal cannot clear 0.6.
	rep, err := f.engine.ProposalStatus(id)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rep.Status)
	require.InDelta(t, 0.5, rep.Score, 1e-9)
}

func TestExpiry(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 0.5, "agent-b": 0.5})
	ctx := context.Background()

	t.Run("sweep expires quiet proposals", func(t *testing.T) {
		id := submitOpen(t, f, "agent-a", 0.6)
		f.advance(2 * time.Minute)
		require.Equal(t, 1, f.engine.SweepExpired(ctx))

		rep, err := f.engine.ProposalStatus(id)
		require.NoError(t, err)
		require.Equal(t, StatusExpired, rep.Status)
	})

	t.Run("vote after deadline expires and reports unknown", func(t *testing.T) {
		id := submitOpen(t, f, "agent-a", 0.6)
		f.advance(2 * time.Minute)

		err := f.engine.CastVote(ctx, id, "agent-b", 1, "", nil)
		require.ErrorIs(t, err, ErrUnknownProposal)

		rep, err := f.engine.ProposalStatus(id)
		require.NoError(t, err)
		require.Equal(t, StatusExpired, rep.Status)
	})
}

func TestVoteValidation(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 0.7, "agent-b": 0.3})
	ctx := context.Background()
	id := submitOpen(t, f, "agent-a", 0.95)

	t.Run("unknown proposal is not a validation error", func(t *testing.T) {
		err := f.engine.CastVote(ctx, "no-such-proposal", "agent-a", 1, "", nil)
		require.ErrorIs(t, err, ErrUnknownProposal)
		require.NotErrorIs(t, err, ErrValidation)
	})

	t.Run("sentiment outside the tri-state set", func(t *testing.T) {
		err := f.engine.CastVote(ctx, id, "agent-a", 2, "", nil)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("double vote by the same agent", func(t *testing.T) {
		require.NoError(t, f.engine.CastVote(ctx, id, "agent-a", 1, "", nil))
		err := f.engine.CastVote(ctx, id, "agent-a", 1, "again", nil)
		require.ErrorIs(t, err, ErrValidation)

		rep, err := f.engine.ProposalStatus(id)
		require.NoError(t, err)
		require.Len(t, rep.Votes, 1)
	})
}

func TestSubmitValidation(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 1.0})
	ctx := context.Background()
	good := Params{Quantity: 1}

	cases := []struct {
		name      string
		symbol    string
		action    Action
		params    Params
		threshold float64
		ttl       time.Duration
	}{
		{"unknown action", "BTC-USD", Action("YOLO"), good, 0.6, time.Minute},
		{"lowercase symbol", "btc-usd", ActionBuy, good, 0.6, time.Minute},
		{"zero quantity", "BTC-USD", ActionBuy, Params{Quantity: 0}, 0.6, time.Minute},
		{"negative price", "BTC-USD", ActionBuy, Params{Quantity: 1, Price: -5}, 0.6, time.Minute},
		{"confidence above one", "BTC-USD", ActionBuy, Params{Quantity: 1, Confidence: 1.5}, 0.6, time.Minute},
		{"zero threshold", "BTC-USD", ActionBuy, good, 0, time.Minute},
		{"threshold above one", "BTC-USD", ActionBuy, good, 1.1, time.Minute},
		{"non-positive ttl", "BTC-USD", ActionBuy, good, 0.6, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.SubmitProposal(ctx, "agent-a", tc.symbol, tc.action, tc.params, tc.threshold, tc.ttl)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestWeightSnapshotAtVoteTime(t *testing.T) {
	weights := fakeWeights{"agent-a": 0.7, "agent-b": 0.3}
	f := newEngineFixture(t, weights)
	ctx := context.Background()

	id := submitOpen(t, f, "agent-a", 0.95)
	require.NoError(t, f.engine.CastVote(ctx, id, "agent-a", 1, "", nil))

	// A later weight change must not rewrite the recorded vote.
	weights["agent-a"] = 0.1

	rep, err := f.engine.ProposalStatus(id)
	require.NoError(t, err)
	require.InDelta(t, 0.7, rep.Votes[0].Weight, 1e-9)
}

func TestResolutionRecordsVoteSet(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 0.7, "agent-b": 0.3})
	ctx := context.Background()

	id := submitOpen(t, f, "agent-a", 0.6)
	require.NoError(t, f.engine.CastVote(ctx, id, "agent-a", 1, "breakout", nil))

	total, err := f.ledger.Len(ctx)
	require.NoError(t, err)

	var resolved *forensic.Entry
	for i := uint64(1); i <= total; i++ {
		e, err := f.ledger.Get(ctx, i)
		require.NoError(t, err)
		if e.Action == forensic.ActionProposalResolved && e.Target == id {
			resolved = e
		}
	}
	require.NotNil(t, resolved)
	require.Equal(t, "VOTING_OPEN", resolved.StateBefore["status"])
	require.Equal(t, "APPROVED", resolved.StateAfter["status"])
	votes, ok := resolved.Payload["votes"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, votes, 1)
	require.Equal(t, "agent-a", votes[0]["voter_id"])
}

func TestMarkExecuted(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 1.0})
	ctx := context.Background()

	id := submitOpen(t, f, "agent-a", 0.6)

	require.Error(t, f.engine.MarkExecuted(id)) // still VOTING_OPEN

	require.NoError(t, f.engine.CastVote(ctx, id, "agent-a", 1, "", nil))
	require.NoError(t, f.engine.MarkExecuted(id))

	rep, err := f.engine.ProposalStatus(id)
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, rep.Status)

	require.Error(t, f.engine.MarkExecuted(id)) // no second transition
}

func TestHaltedLedgerStopsIntake(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 1.0})
	ctx := context.Background()

	id := submitOpen(t, f, "agent-a", 0.95)
	f.ledger.Halt()

	_, err := f.engine.SubmitProposal(ctx, "agent-a", "ETH-USD", ActionSell, Params{Quantity: 1}, 0.6, time.Minute)
	require.ErrorIs(t, err, ErrPipelineHalted)
	require.ErrorIs(t, f.engine.CastVote(ctx, id, "agent-a", 1, "", nil), ErrPipelineHalted)
}

func TestHaltedLedgerFreezesResolution(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 1.0})
	ctx := context.Background()

	id := submitOpen(t, f, "agent-a", 0.6)
	before, err := f.ledger.Len(ctx)
	require.NoError(t, err)

	f.ledger.Halt()
	f.advance(2 * time.Minute)

	// The sweep must not expire anything while the chain is unsound: a
	// resolution without its ledger entry never happened.
	require.Zero(t, f.engine.SweepExpired(ctx))

	rep, err := f.engine.ProposalStatus(id)
	require.NoError(t, err)
	require.Equal(t, StatusVotingOpen, rep.Status)

	after, err := f.ledger.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// failingStore errors the next n appends, then recovers.
type failingStore struct {
	forensic.Store
	failures int
}

func (s *failingStore) Append(ctx context.Context, e forensic.Entry) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("disk full")
	}
	return s.Store.Append(ctx, e)
}

func TestResolutionRequiresLedgerEntry(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: forensic.NewMemoryStore()}
	led, err := forensic.Open(ctx, store)
	require.NoError(t, err)

	reg := agent.NewRegistry()
	_, err = reg.Register("agent-a", agent.RoleProposer)
	require.NoError(t, err)

	now := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	sink := &captureSink{}
	eng := NewEngine(reg, fakeWeights{"agent-a": 1.0}, led, nil).
		WithClock(func() time.Time { return now })
	eng.SetIntentSink(sink)

	id, err := eng.SubmitProposal(ctx, "agent-a", "BTC-USD", ActionBuy, Params{Quantity: 1}, 0.6, time.Minute)
	require.NoError(t, err)

	// The approving vote lands, but its resolution entry cannot be written;
	// the proposal stays open and nothing reaches the arbiter.
	store.failures = 1
	require.NoError(t, eng.CastVote(ctx, id, "agent-a", 1, "", nil))

	rep, err := eng.ProposalStatus(id)
	require.NoError(t, err)
	require.Equal(t, StatusVotingOpen, rep.Status)
	require.Empty(t, sink.approved)
}

func TestResolutionHook(t *testing.T) {
	f := newEngineFixture(t, fakeWeights{"agent-a": 1.0})
	ctx := context.Background()

	var seen []Status
	f.engine.OnResolution(func(st Status) { seen = append(seen, st) })

	id := submitOpen(t, f, "agent-a", 0.6)
	require.NoError(t, f.engine.CastVote(ctx, id, "agent-a", 1, "", nil))
	require.NoError(t, f.engine.MarkExecuted(id))

	submitOpen(t, f, "agent-a", 0.6)
	f.advance(2 * time.Minute)
	require.Equal(t, 1, f.engine.SweepExpired(ctx))

	require.Equal(t, []Status{StatusApproved, StatusExecuted, StatusExpired}, seen)
}
