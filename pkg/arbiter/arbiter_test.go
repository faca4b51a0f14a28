package arbiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Concord-Labs/concord/pkg/connector"
	"github.com/Concord-Labs/concord/pkg/consensus"
	"github.com/Concord-Labs/concord/pkg/forensic"
	"github.com/Concord-Labs/concord/pkg/reputation"
)

type fakeSafeMode struct{ active bool }

func (f *fakeSafeMode) SafeModeActive() bool { return f.active }

type fakeMarker struct {
	mu       sync.Mutex
	executed []string
}

func (f *fakeMarker) MarkExecuted(proposalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, proposalID)
	return nil
}

type arbiterFixture struct {
	arb      *Arbiter
	ledger   *forensic.Ledger
	exchange *connector.MockExchange
	safeMode *fakeSafeMode
	marker   *fakeMarker
	rep      *reputation.Ledger
	now      *time.Time
}

func newArbiterFixture(t *testing.T, limits Limits) *arbiterFixture {
	t.Helper()

	led, err := forensic.Open(context.Background(), forensic.NewMemoryStore())
	require.NoError(t, err)

	now := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	safe := &fakeSafeMode{}
	marker := &fakeMarker{}
	exch := connector.NewMockExchange()
	rep := reputation.NewLedger(reputation.DefaultConfig())
	require.NoError(t, rep.Enroll("agent-a"))

	arb := New(limits, led, NewMemoryDedup().WithClock(clock), safe, exch, nil).
		WithClock(clock).
		WithMarketData(connector.NewStaticMarketData(map[string]float64{"BTCUSDT": 64000})).
		WithExecutionMarker(marker).
		WithOutcomeSink(rep)

	return &arbiterFixture{
		arb: arb, ledger: led, exchange: exch,
		safeMode: safe, marker: marker, rep: rep, now: &now,
	}
}

func approvedProposal(f *arbiterFixture, id, symbol string, action consensus.Action, qty, price float64) *consensus.Proposal {
	return &consensus.Proposal{
		ID:         id,
		ProposerID: "agent-a",
		Symbol:     symbol,
		Action:     action,
		Params:     consensus.Params{Quantity: qty, Price: price, Confidence: 0.8},
		Status:     consensus.StatusApproved,
		ResolvedAt: *f.now,
	}
}

func deterministicID(proposalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("intent:"+proposalID)).String()
}

func testLimits() Limits {
	l := DefaultLimits()
	l.MaxLatency = 500 * time.Millisecond
	l.MaxNotional = 100_000
	return l
}

func TestAcceptAndDispatch(t *testing.T) {
	f := newArbiterFixture(t, testLimits())
	ctx := context.Background()

	id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-1", "BTCUSDT", consensus.ActionBuy, 1, 64000))
	require.NoError(t, err)

	intent, err := f.arb.IntentStatus(id)
	require.NoError(t, err)
	require.Equal(t, IntentAccepted, intent.State)
	require.NotEmpty(t, intent.OrderRef)

	placed := f.exchange.Placed()
	require.Len(t, placed, 1)
	require.Equal(t, id, placed[0].IntentID)
	require.Equal(t, "BUY", placed[0].Side)

	require.Equal(t, []string{"prop-1"}, f.marker.executed)

	// The acceptance entry precedes the connector ack in the chain.
	var actions []forensic.ActionType
	total, err := f.ledger.Len(ctx)
	require.NoError(t, err)
	for i := uint64(1); i <= total; i++ {
		e, err := f.ledger.Get(ctx, i)
		require.NoError(t, err)
		actions = append(actions, e.Action)
	}
	require.Equal(t, []forensic.ActionType{forensic.ActionIntentAccepted, forensic.ActionIntentOutcome}, actions)
}

func TestDuplicateDelivery(t *testing.T) {
	f := newArbiterFixture(t, testLimits())
	ctx := context.Background()
	p := approvedProposal(f, "prop-1", "BTCUSDT", consensus.ActionBuy, 1, 64000)

	first, err := f.arb.SubmitIntent(ctx, p)
	require.NoError(t, err)
	second, err := f.arb.SubmitIntent(ctx, p)
	require.NoError(t, err)
	require.Equal(t, first, second) // deterministic id is what makes redelivery visible

	intent, err := f.arb.IntentStatus(second)
	require.NoError(t, err)
	require.Equal(t, IntentRejected, intent.State)
	require.Equal(t, ReasonDuplicate, intent.Reason)

	// State after the redelivery matches having processed it once.
	require.Len(t, f.exchange.Placed(), 1)
}

func TestStaleIntentRejected(t *testing.T) {
	f := newArbiterFixture(t, testLimits())
	ctx := context.Background()

	p := approvedProposal(f, "prop-1", "BTCUSDT", consensus.ActionBuy, 1, 64000)
	*f.now = f.now.Add(time.Second) // past the 500ms staleness cap

	id, err := f.arb.SubmitIntent(ctx, p)
	require.NoError(t, err)

	intent, err := f.arb.IntentStatus(id)
	require.NoError(t, err)
	require.Equal(t, ReasonTTLExpired, intent.Reason)
	require.Empty(t, f.exchange.Placed())
}

func TestNotionalCap(t *testing.T) {
	f := newArbiterFixture(t, testLimits())
	ctx := context.Background()

	t.Run("limit order over cap", func(t *testing.T) {
		id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-1", "BTCUSDT", consensus.ActionBuy, 2, 64000))
		require.NoError(t, err)
		intent, err := f.arb.IntentStatus(id)
		require.NoError(t, err)
		require.Equal(t, ReasonRisk, intent.Reason)
	})

	t.Run("market order valued off the feed", func(t *testing.T) {
		id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-2", "BTCUSDT", consensus.ActionBuy, 2, 0))
		require.NoError(t, err)
		intent, err := f.arb.IntentStatus(id)
		require.NoError(t, err)
		require.Equal(t, ReasonRisk, intent.Reason)
	})

	t.Run("unpriceable symbol is refused", func(t *testing.T) {
		id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-3", "DOGEUSDT", consensus.ActionBuy, 1, 0))
		require.NoError(t, err)
		intent, err := f.arb.IntentStatus(id)
		require.NoError(t, err)
		require.Equal(t, ReasonRisk, intent.Reason)
	})
}

func TestIntakeRateLimit(t *testing.T) {
	limits := testLimits()
	limits.IntakeRate = 0
	limits.IntakeBurst = 1
	f := newArbiterFixture(t, limits)
	ctx := context.Background()

	_, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-1", "BTCUSDT", consensus.ActionBuy, 1, 64000))
	require.NoError(t, err)

	id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-2", "BTCUSDT", consensus.ActionBuy, 1, 64100))
	require.NoError(t, err)
	intent, err := f.arb.IntentStatus(id)
	require.NoError(t, err)
	require.Equal(t, ReasonRate, intent.Reason)
}

func TestIntentRatio(t *testing.T) {
	limits := testLimits()
	limits.MaxIntentRatio = 2
	f := newArbiterFixture(t, limits)
	ctx := context.Background()

	// Three stale intents fill the window with rejections.
	stale := *f.now
	*f.now = f.now.Add(time.Second)
	for _, pid := range []string{"prop-1", "prop-2", "prop-3"} {
		p := approvedProposal(f, pid, "BTCUSDT", consensus.ActionBuy, 1, 64000)
		p.ResolvedAt = stale
		_, err := f.arb.SubmitIntent(ctx, p)
		require.NoError(t, err)
	}

	// Fresh intent: 4 intents against 0 accepts breaches the 2:1 ratio.
	id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-4", "BTCUSDT", consensus.ActionBuy, 1, 64000))
	require.NoError(t, err)
	intent, err := f.arb.IntentStatus(id)
	require.NoError(t, err)
	require.Equal(t, ReasonRate, intent.Reason)
}

func TestSelfMatchPrevention(t *testing.T) {
	f := newArbiterFixture(t, testLimits())
	ctx := context.Background()

	_, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-1", "BTCUSDT", consensus.ActionBuy, 1, 64000))
	require.NoError(t, err)

	t.Run("opposite side at identical price", func(t *testing.T) {
		id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-2", "BTCUSDT", consensus.ActionSell, 1, 64000))
		require.NoError(t, err)
		intent, err := f.arb.IntentStatus(id)
		require.NoError(t, err)
		require.Equal(t, ReasonSelfMatch, intent.Reason)
	})

	t.Run("opposite side at a different price rests", func(t *testing.T) {
		id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-3", "BTCUSDT", consensus.ActionSell, 1, 65000))
		require.NoError(t, err)
		intent, err := f.arb.IntentStatus(id)
		require.NoError(t, err)
		require.Equal(t, IntentAccepted, intent.State)
	})

	t.Run("resolved intent no longer blocks", func(t *testing.T) {
		first, err := f.arb.IntentStatus(deterministicID("prop-1"))
		require.NoError(t, err)
		require.NoError(t, f.arb.ReportOutcome(ctx, first.ID, 0.5))

		id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-4", "BTCUSDT", consensus.ActionSell, 1, 64000))
		require.NoError(t, err)
		intent, err := f.arb.IntentStatus(id)
		require.NoError(t, err)
		require.Equal(t, IntentAccepted, intent.State)
	})
}

func TestSafeMode(t *testing.T) {
	f := newArbiterFixture(t, testLimits())
	ctx := context.Background()
	f.safeMode.active = true

	t.Run("new exposure rejected", func(t *testing.T) {
		id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-1", "BTCUSDT", consensus.ActionBuy, 1, 64000))
		require.NoError(t, err)
		intent, err := f.arb.IntentStatus(id)
		require.NoError(t, err)
		require.Equal(t, ReasonSafeMode, intent.Reason)
	})

	t.Run("flatten passes", func(t *testing.T) {
		id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-2", "BTCUSDT", consensus.ActionClose, 1, 64000))
		require.NoError(t, err)
		intent, err := f.arb.IntentStatus(id)
		require.NoError(t, err)
		require.Equal(t, IntentAccepted, intent.State)
	})
}

func TestOutcomeFeedsReputation(t *testing.T) {
	f := newArbiterFixture(t, testLimits())
	ctx := context.Background()

	id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-1", "BTCUSDT", consensus.ActionBuy, 1, 64000))
	require.NoError(t, err)

	before := f.rep.Weight("agent-a")
	require.NoError(t, f.arb.ReportOutcome(ctx, id, -1))
	after := f.rep.Weight("agent-a")
	require.Less(t, after, before)

	// Terminal: a second report has no intent to close.
	require.Error(t, f.arb.ReportOutcome(ctx, id, -1))
}

func TestNackClearsOpenIntent(t *testing.T) {
	f := newArbiterFixture(t, testLimits())
	ctx := context.Background()
	f.exchange.NackWith("venue closed")

	_, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-1", "BTCUSDT", consensus.ActionBuy, 1, 64000))
	require.NoError(t, err)

	// Nothing rests, so the mirror-image intent is not a self-match.
	id, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-2", "BTCUSDT", consensus.ActionSell, 1, 64000))
	require.NoError(t, err)
	intent, err := f.arb.IntentStatus(id)
	require.NoError(t, err)
	require.Equal(t, IntentAccepted, intent.State)
}

func TestHaltedLedgerRefusesIntents(t *testing.T) {
	f := newArbiterFixture(t, testLimits())
	ctx := context.Background()
	f.ledger.Halt()

	_, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-1", "BTCUSDT", consensus.ActionBuy, 1, 64000))
	require.ErrorIs(t, err, ErrHalted)
}

func TestVerdictHook(t *testing.T) {
	f := newArbiterFixture(t, testLimits())
	ctx := context.Background()

	type verdict struct {
		state  IntentState
		reason RejectReason
	}
	var seen []verdict
	f.arb.OnVerdict(func(state IntentState, reason RejectReason) {
		seen = append(seen, verdict{state, reason})
	})

	_, err := f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-1", "BTCUSDT", consensus.ActionBuy, 1, 64000))
	require.NoError(t, err)
	_, err = f.arb.SubmitIntent(ctx, approvedProposal(f, "prop-2", "BTCUSDT", consensus.ActionBuy, 10, 64000))
	require.NoError(t, err)

	require.Equal(t, []verdict{
		{IntentAccepted, ""},
		{IntentRejected, ReasonRisk},
	}, seen)
}

// stallingStore errors the next n appends, then recovers.
type stallingStore struct {
	forensic.Store
	failures int
}

func (s *stallingStore) Append(ctx context.Context, e forensic.Entry) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("io stall")
	}
	return s.Store.Append(ctx, e)
}

func TestFailedAcceptanceNotCountedInRatio(t *testing.T) {
	ctx := context.Background()
	store := &stallingStore{Store: forensic.NewMemoryStore()}
	led, err := forensic.Open(ctx, store)
	require.NoError(t, err)

	limits := testLimits()
	limits.MaxIntentRatio = 1 // one intent per accept; a phantom accept trips it

	now := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	arb := New(limits, led, NewMemoryDedup().WithClock(clock), &fakeSafeMode{}, connector.NewMockExchange(), nil).
		WithClock(clock)

	proposal := func(id string) *consensus.Proposal {
		return &consensus.Proposal{
			ID:         id,
			ProposerID: "agent-a",
			Symbol:     "BTCUSDT",
			Action:     consensus.ActionBuy,
			Params:     consensus.Params{Quantity: 1, Price: 64000},
			Status:     consensus.StatusApproved,
			ResolvedAt: now,
		}
	}

	store.failures = 1
	_, err = arb.SubmitIntent(ctx, proposal("prop-1"))
	require.Error(t, err) // acceptance entry could not be written

	// The failed write left no window event, so the next intent is judged
	// against an empty window instead of a phantom accept.
	id, err := arb.SubmitIntent(ctx, proposal("prop-2"))
	require.NoError(t, err)
	intent, err := arb.IntentStatus(id)
	require.NoError(t, err)
	require.Equal(t, IntentAccepted, intent.State)
}
