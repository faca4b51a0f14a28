package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Concord-Labs/concord/pkg/agent"
	"github.com/Concord-Labs/concord/pkg/connector"
	"github.com/Concord-Labs/concord/pkg/consensus"
	"github.com/Concord-Labs/concord/pkg/forensic"
)

// ErrHalted is returned while the forensic ledger is halted; no intent
// processing happens system-wide.
var ErrHalted = errors.New("arbiter: pipeline halted")

// ErrUnknownIntent marks a lookup or outcome report for an intent id the
// arbiter has never archived.
var ErrUnknownIntent = errors.New("arbiter: unknown intent")

// Limits bounds what the arbiter lets through.
type Limits struct {
	// MaxLatency is the staleness cap measured from the proposal's
	// resolution time. A decision computed against since-moved market
	// conditions is rejected, never executed late.
	MaxLatency time.Duration `yaml:"max_latency" json:"max_latency"`
	// MaxNotional caps price × quantity per order.
	MaxNotional float64 `yaml:"max_notional" json:"max_notional"`
	// RatioWindow and MaxIntentRatio bound intents per accepted action over
	// a rolling window (anti quote-stuffing).
	RatioWindow    time.Duration `yaml:"ratio_window" json:"ratio_window"`
	MaxIntentRatio float64       `yaml:"max_intent_ratio" json:"max_intent_ratio"`
	// DedupWindow is how long an intent id stays suppressed after first
	// delivery.
	DedupWindow time.Duration `yaml:"dedup_window" json:"dedup_window"`
	// IntakeRate and IntakeBurst shape the global token-bucket intake.
	IntakeRate  float64 `yaml:"intake_rate" json:"intake_rate"`
	IntakeBurst int     `yaml:"intake_burst" json:"intake_burst"`
}

// DefaultLimits returns conservative production bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxLatency:     500 * time.Millisecond,
		MaxNotional:    100_000,
		RatioWindow:    time.Minute,
		MaxIntentRatio: 10,
		DedupWindow:    5 * time.Minute,
		IntakeRate:     50,
		IntakeBurst:    100,
	}
}

// SafeModeSource is the atomically-read flag published by the heartbeat
// monitor. Consulted once at the start of every risk evaluation; in-flight
// intents already past that read complete normally.
type SafeModeSource interface {
	SafeModeActive() bool
}

// ExecutionMarker advances the originating proposal once its intent is
// accepted and dispatched. Satisfied by the consensus engine.
type ExecutionMarker interface {
	MarkExecuted(proposalID string) error
}

// OutcomeSink applies a realized outcome to the proposer's voting weight.
// Satisfied by the reputation ledger.
type OutcomeSink interface {
	RecordOutcome(agentID string, outcome, confidence float64, outcomeRef string) (float64, error)
}

// symbolPipeline serializes all intents for one symbol. Strict arrival
// order per symbol keeps the self-match and ratio checks correct; symbols
// are independent of each other.
type symbolPipeline struct {
	mu     sync.Mutex
	open   map[string]*OrderIntent // accepted and not yet resolved
	events []windowEvent
}

type windowEvent struct {
	at       time.Time
	accepted bool
}

// Arbiter is the execution gate. It implements consensus.IntentSink.
type Arbiter struct {
	limits   Limits
	ledger   *forensic.Ledger
	dedup    DedupStore
	safeMode SafeModeSource
	exchange connector.Exchange
	market   connector.MarketData
	marker   ExecutionMarker
	outcomes OutcomeSink
	limiter  *rate.Limiter
	logger   *slog.Logger
	clock    func() time.Time

	onVerdict func(state IntentState, reason RejectReason)

	mu        sync.Mutex
	intents   map[string]*OrderIntent
	pipelines map[string]*symbolPipeline
}

var _ consensus.IntentSink = (*Arbiter)(nil)

// New creates an arbiter. The exchange, market feed, marker and outcome
// sink may be nil in reduced test setups; the risk checks themselves never
// are.
func New(limits Limits, ledger *forensic.Ledger, dedup DedupStore, safeMode SafeModeSource, exchange connector.Exchange, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	if dedup == nil {
		dedup = NewMemoryDedup()
	}
	return &Arbiter{
		limits:    limits,
		ledger:    ledger,
		dedup:     dedup,
		safeMode:  safeMode,
		exchange:  exchange,
		limiter:   rate.NewLimiter(rate.Limit(limits.IntakeRate), limits.IntakeBurst),
		logger:    logger.With("component", "arbiter"),
		clock:     time.Now,
		intents:   make(map[string]*OrderIntent),
		pipelines: make(map[string]*symbolPipeline),
	}
}

// WithClock overrides clock for testing.
func (a *Arbiter) WithClock(clock func() time.Time) *Arbiter {
	a.clock = clock
	return a
}

// WithMarketData wires the price feed used to value market orders for the
// notional check.
func (a *Arbiter) WithMarketData(md connector.MarketData) *Arbiter {
	a.market = md
	return a
}

// WithExecutionMarker wires the proposal-state callback.
func (a *Arbiter) WithExecutionMarker(m ExecutionMarker) *Arbiter {
	a.marker = m
	return a
}

// WithOutcomeSink wires the reputation ledger.
func (a *Arbiter) WithOutcomeSink(o OutcomeSink) *Arbiter {
	a.outcomes = o
	return a
}

// OnVerdict registers a callback invoked after every durable accept or
// reject verdict. Wired to the metrics provider.
func (a *Arbiter) OnVerdict(fn func(state IntentState, reason RejectReason)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onVerdict = fn
}

// SubmitApproved implements consensus.IntentSink.
func (a *Arbiter) SubmitApproved(ctx context.Context, p *consensus.Proposal) error {
	_, err := a.SubmitIntent(ctx, p)
	return err
}

// SubmitIntent derives the order intent from an approved proposal and runs
// it through the risk pipeline. The returned id is deterministic in the
// proposal id, which is what makes redelivery detectable. A rejection is
// not an error: the verdict lives on the archived intent.
func (a *Arbiter) SubmitIntent(ctx context.Context, p *consensus.Proposal) (string, error) {
	if a.ledger.Halted() {
		return "", ErrHalted
	}

	intent := &OrderIntent{
		ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte("intent:"+p.ID)).String(),
		ProposalID: p.ID,
		ProposerID: p.ProposerID,
		Symbol:     p.Symbol,
		Action:     p.Action,
		Side:       side(p.Action),
		Quantity:   p.Params.Quantity,
		Price:      p.Params.Price,
		Confidence: p.Params.Confidence,
		OriginAt:   p.ResolvedAt,
		State:      IntentReceived,
	}

	pl := a.pipeline(intent.Symbol)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	intent.State = IntentRiskCheck
	now := a.clock().UTC()

	reason, err := a.evaluateLocked(ctx, pl, intent, now)
	if err != nil {
		return "", err
	}

	// The window event and the verdict hook fire only once the verdict is
	// durable; a failed ledger write leaves no trace in the ratio window.
	if reason != "" {
		if err := a.rejectLocked(ctx, intent, reason, now); err != nil {
			return "", err
		}
		pl.events = append(pl.events, windowEvent{at: now})
	} else {
		if err := a.acceptLocked(ctx, pl, intent, now); err != nil {
			return "", err
		}
		pl.events = append(pl.events, windowEvent{at: now, accepted: true})
	}

	if a.onVerdict != nil {
		a.onVerdict(intent.State, intent.Reason)
	}
	return intent.ID, nil
}

// evaluateLocked runs the fixed-order checks. First failure wins; every
// check is a pure, synchronous read of current state, never retried.
func (a *Arbiter) evaluateLocked(ctx context.Context, pl *symbolPipeline, intent *OrderIntent, now time.Time) (RejectReason, error) {
	// 1. Staleness.
	if now.Sub(intent.OriginAt) > a.limits.MaxLatency {
		return ReasonTTLExpired, nil
	}

	// 2. Notional cap. Market orders are valued off the feed; an intent
	// whose notional cannot be established is refused, not guessed at.
	price := intent.Price
	if price == 0 && a.market != nil {
		if p, err := a.market.CurrentPrice(ctx, intent.Symbol, now); err == nil {
			price = p
		}
	}
	if price <= 0 || price*intent.Quantity > a.limits.MaxNotional {
		return ReasonRisk, nil
	}

	// 3. Intake shaping plus rolling intent-to-accept ratio.
	if !a.limiter.Allow() {
		return ReasonRate, nil
	}
	intents, accepts := pl.windowCounts(now.Add(-a.limits.RatioWindow))
	if accepts == 0 {
		accepts = 1
	}
	if float64(intents+1)/float64(accepts) > a.limits.MaxIntentRatio {
		return ReasonRate, nil
	}

	// 4. Self-match: an open opposite-side intent at the identical price on
	// this symbol means we would trade against ourselves.
	for _, open := range pl.open {
		if open.Side != intent.Side && open.Price == intent.Price {
			return ReasonSelfMatch, nil
		}
	}

	// 5. Duplicate suppression.
	dup, err := a.dedup.FirstSeen(ctx, intent.ID, a.limits.DedupWindow)
	if err != nil {
		return "", fmt.Errorf("arbiter: dedup check: %w", err)
	}
	if dup {
		return ReasonDuplicate, nil
	}

	// 6. Safe mode: only exposure-reducing intents pass while the decision
	// layer is presumed dead or an emergency halt is in force.
	if a.safeMode != nil && a.safeMode.SafeModeActive() && !intent.Flatten() {
		return ReasonSafeMode, nil
	}

	return "", nil
}

// rejectLocked archives the terminal rejection. The ledger write is the
// rejection; if it fails the intent is not considered decided.
func (a *Arbiter) rejectLocked(ctx context.Context, intent *OrderIntent, reason RejectReason, now time.Time) error {
	intent.State = IntentRejected
	intent.Reason = reason
	intent.DecidedAt = now

	if _, err := a.ledger.Append(ctx, forensic.Record{
		ActorID:     "execution-arbiter",
		ActorRole:   string(agent.RoleSystem),
		Action:      forensic.ActionIntentRejected,
		Target:      intent.ID,
		StateBefore: map[string]any{"state": string(IntentRiskCheck)},
		StateAfter:  map[string]any{"state": string(IntentRejected), "reason": string(reason)},
		Payload:     intentPayload(intent),
	}); err != nil {
		return fmt.Errorf("arbiter: record rejection: %w", err)
	}

	a.archive(intent)
	a.logger.Warn("intent rejected",
		"intent", intent.ID, "proposal", intent.ProposalID,
		"symbol", intent.Symbol, "reason", reason)
	return nil
}

// acceptLocked writes the verdict, then releases the order. Write-then-
// signal: the connector sees nothing until the ledger entry is durable.
func (a *Arbiter) acceptLocked(ctx context.Context, pl *symbolPipeline, intent *OrderIntent, now time.Time) error {
	intent.State = IntentAccepted
	intent.DecidedAt = now

	if _, err := a.ledger.Append(ctx, forensic.Record{
		ActorID:     "execution-arbiter",
		ActorRole:   string(agent.RoleSystem),
		Action:      forensic.ActionIntentAccepted,
		Target:      intent.ID,
		StateBefore: map[string]any{"state": string(IntentRiskCheck)},
		StateAfter:  map[string]any{"state": string(IntentAccepted)},
		Payload:     intentPayload(intent),
	}); err != nil {
		intent.State = IntentRiskCheck
		intent.DecidedAt = time.Time{}
		return fmt.Errorf("arbiter: record acceptance: %w", err)
	}

	pl.open[intent.ID] = intent
	a.archive(intent)

	if a.exchange != nil {
		ack, err := a.exchange.Place(ctx, connector.Order{
			IntentID: intent.ID,
			Symbol:   intent.Symbol,
			Side:     intent.Side,
			Quantity: intent.Quantity,
			Price:    intent.Price,
			PlacedAt: now,
		})
		if err != nil {
			a.recordAckLocked(ctx, pl, intent, false, err.Error())
		} else {
			intent.OrderRef = ack.OrderRef
			a.recordAckLocked(ctx, pl, intent, ack.Accepted, ack.Note)
		}
	}

	if a.marker != nil && intent.State == IntentAccepted {
		if err := a.marker.MarkExecuted(intent.ProposalID); err != nil {
			a.logger.Error("mark executed failed", "proposal", intent.ProposalID, "error", err)
		}
	}

	a.logger.Info("intent accepted",
		"intent", intent.ID, "proposal", intent.ProposalID,
		"symbol", intent.Symbol, "side", intent.Side, "order_ref", intent.OrderRef)
	return nil
}

// recordAckLocked records the connector's placement response. A NACK means
// the order is not resting: it leaves the open set, and a new decision is
// required to try again.
func (a *Arbiter) recordAckLocked(ctx context.Context, pl *symbolPipeline, intent *OrderIntent, acked bool, note string) {
	if !acked {
		delete(pl.open, intent.ID)
	}
	if _, err := a.ledger.Append(ctx, forensic.Record{
		ActorID:   "exchange-connector",
		ActorRole: string(agent.RoleSystem),
		Action:    forensic.ActionIntentOutcome,
		Target:    intent.ID,
		Payload:   map[string]any{"acked": acked, "note": note, "order_ref": intent.OrderRef},
	}); err != nil {
		a.logger.Error("ledger append failed for ack", "intent", intent.ID, "error", err)
	}
	if !acked {
		a.logger.Warn("placement nacked", "intent", intent.ID, "note", note)
	}
}

// ReportOutcome closes an accepted intent with its realized outcome and
// feeds the proposer's reputation. Outcome is a signed magnitude in
// [-1, 1] by convention.
func (a *Arbiter) ReportOutcome(ctx context.Context, intentID string, outcome float64) error {
	a.mu.Lock()
	intent, ok := a.intents[intentID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntent, intentID)
	}
	if intent.State != IntentAccepted {
		return fmt.Errorf("arbiter: intent %s is %s, no outcome to report", intentID, intent.State)
	}

	pl := a.pipeline(intent.Symbol)
	pl.mu.Lock()
	delete(pl.open, intentID)
	pl.mu.Unlock()

	if _, err := a.ledger.Append(ctx, forensic.Record{
		ActorID:   "execution-arbiter",
		ActorRole: string(agent.RoleSystem),
		Action:    forensic.ActionIntentOutcome,
		Target:    intentID,
		Payload:   map[string]any{"outcome": outcome, "proposer": intent.ProposerID},
	}); err != nil {
		return fmt.Errorf("arbiter: record outcome: %w", err)
	}

	if a.outcomes != nil {
		delta, err := a.outcomes.RecordOutcome(intent.ProposerID, outcome, intent.Confidence, intentID)
		if err != nil {
			return fmt.Errorf("arbiter: reputation update: %w", err)
		}
		if _, err := a.ledger.Append(ctx, forensic.Record{
			ActorID:   "reputation-ledger",
			ActorRole: string(agent.RoleSystem),
			Action:    forensic.ActionReputationUpdate,
			Target:    intent.ProposerID,
			Payload:   map[string]any{"delta": delta, "outcome_ref": intentID},
		}); err != nil {
			return fmt.Errorf("arbiter: record reputation update: %w", err)
		}
	}
	return nil
}

// IntentStatus returns the archived intent by id.
func (a *Arbiter) IntentStatus(intentID string) (*OrderIntent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	intent, ok := a.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, intentID)
	}
	cp := *intent
	return &cp, nil
}

func (a *Arbiter) pipeline(symbol string) *symbolPipeline {
	a.mu.Lock()
	defer a.mu.Unlock()

	pl, ok := a.pipelines[symbol]
	if !ok {
		pl = &symbolPipeline{open: make(map[string]*OrderIntent)}
		a.pipelines[symbol] = pl
	}
	return pl
}

func (a *Arbiter) archive(intent *OrderIntent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.intents[intent.ID] = intent
}

// windowCounts returns intents and accepts since cutoff, dropping older
// events. Assumes the pipeline lock is held.
func (pl *symbolPipeline) windowCounts(cutoff time.Time) (intents, accepts int) {
	kept := pl.events[:0]
	for _, ev := range pl.events {
		if ev.at.Before(cutoff) {
			continue
		}
		kept = append(kept, ev)
		intents++
		if ev.accepted {
			accepts++
		}
	}
	pl.events = kept
	return intents, accepts
}

func intentPayload(i *OrderIntent) map[string]any {
	m := map[string]any{
		"proposal_id": i.ProposalID,
		"proposer_id": i.ProposerID,
		"symbol":      i.Symbol,
		"action":      string(i.Action),
		"side":        i.Side,
		"quantity":    i.Quantity,
		"origin_at":   i.OriginAt.Format(time.RFC3339Nano),
	}
	if i.Price != 0 {
		m["price"] = i.Price
	}
	return m
}
