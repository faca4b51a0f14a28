package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Concord-Labs/concord/pkg/agent"
	"github.com/Concord-Labs/concord/pkg/forensic"
)

// paramsSchema validates the trade parameters attached to a proposal.
// Quantity must be strictly positive; prices and confidence are optional
// but bounded when present.
const paramsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "quantity":   {"type": "number", "exclusiveMinimum": 0},
    "price":      {"type": "number", "minimum": 0},
    "stop":       {"type": "number", "minimum": 0},
    "target":     {"type": "number", "minimum": 0},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["quantity"],
  "additionalProperties": false
}`

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,12}(-[A-Z0-9]{1,12})?$`)

// IntentSink receives approved proposals for execution. The arbiter
// implements it; the engine only ever hands work forward, never blocks on
// the sink's own risk decision.
type IntentSink interface {
	SubmitApproved(ctx context.Context, p *Proposal) error
}

// WeightSource yields an agent's current voting weight. Satisfied by
// *reputation.Ledger.
type WeightSource interface {
	Weight(agentID string) float64
}

// proposalState bundles a proposal with its vote set and entitlement
// snapshot under a single per-proposal lock.
type proposalState struct {
	mu       sync.Mutex
	p        Proposal
	entitled map[string]float64 // voter id → weight counted in the denominator
	votes    []Vote
	voted    map[string]bool
	sum      float64 // Σ sentiment × weight over cast votes
}

// Engine owns the proposal lifecycle: submission, voting, resolution, and
// the hand-off of approved proposals to the execution arbiter.
type Engine struct {
	mu        sync.RWMutex
	proposals map[string]*proposalState

	registry  *agent.Registry
	weights   WeightSource
	ledger    *forensic.Ledger
	sink      IntentSink
	policy    ScorePolicy
	schema    *jsonschema.Schema
	logger    *slog.Logger
	clock     func() time.Time
	idgen     func() string
	onResolve func(Status)
}

// NewEngine creates a voting engine. The intent sink is wired separately
// via SetIntentSink so the engine and arbiter can be constructed in either
// order.
func NewEngine(registry *agent.Registry, weights WeightSource, ledger *forensic.Ledger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("params.json", strings.NewReader(paramsSchema)); err != nil {
		panic(fmt.Sprintf("consensus: params schema: %v", err))
	}
	return &Engine{
		proposals: make(map[string]*proposalState),
		registry:  registry,
		weights:   weights,
		ledger:    ledger,
		policy:    NormalizedByEntitledWeight,
		schema:    compiler.MustCompile("params.json"),
		logger:    logger.With("component", "consensus"),
		clock:     time.Now,
		idgen:     uuid.NewString,
	}
}

// WithClock overrides clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithPolicy overrides the score normalization policy.
func (e *Engine) WithPolicy(p ScorePolicy) *Engine {
	e.policy = p
	return e
}

// SetIntentSink wires the downstream consumer of approved proposals.
func (e *Engine) SetIntentSink(sink IntentSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// OnResolution registers a callback invoked after every durable status
// transition with the terminal status. Wired to the metrics provider.
func (e *Engine) OnResolution(fn func(Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onResolve = fn
}

// SubmitProposal validates and opens a proposal for voting. The entitled
// voter set and the approval threshold are both snapshotted here; agents
// enrolled later vote on later proposals, and threshold moves never apply
// retroactively.
func (e *Engine) SubmitProposal(ctx context.Context, proposerID, symbol string, action Action, params Params, threshold float64, ttl time.Duration) (string, error) {
	if e.ledger.Halted() {
		return "", ErrPipelineHalted
	}
	if err := e.registry.Authorize(proposerID, agent.OpSubmitProposal); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !ValidAction(action) {
		return "", fmt.Errorf("%w: unknown action %q", ErrValidation, action)
	}
	if !symbolPattern.MatchString(symbol) {
		return "", fmt.Errorf("%w: malformed symbol %q", ErrValidation, symbol)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive, got %s", ErrValidation, ttl)
	}
	if threshold <= 0 || threshold > 1 {
		return "", fmt.Errorf("%w: threshold must be in (0, 1], got %g", ErrValidation, threshold)
	}
	if err := e.validateParams(params); err != nil {
		return "", err
	}

	now := e.clock().UTC()
	st := &proposalState{
		p: Proposal{
			ID:          e.idgen(),
			ProposerID:  proposerID,
			Symbol:      symbol,
			Action:      action,
			Params:      params,
			Status:      StatusVotingOpen,
			Threshold:   threshold,
			SubmittedAt: now,
			ExpiresAt:   now.Add(ttl),
		},
		entitled: e.entitledSnapshot(),
		voted:    make(map[string]bool),
	}

	if _, err := e.ledger.Append(ctx, forensic.Record{
		ActorID:   proposerID,
		ActorRole: string(agent.RoleProposer),
		Action:    forensic.ActionProposalSubmitted,
		Target:    st.p.ID,
		StateAfter: map[string]any{
			"status":    string(StatusVotingOpen),
			"symbol":    symbol,
			"action":    string(action),
			"threshold": threshold,
		},
		Payload: map[string]any{
			"params":     paramsMap(params),
			"expires_at": st.p.ExpiresAt.Format(time.RFC3339Nano),
		},
	}); err != nil {
		return "", fmt.Errorf("consensus: record submission: %w", err)
	}

	e.mu.Lock()
	e.proposals[st.p.ID] = st
	e.mu.Unlock()

	e.logger.Info("proposal opened",
		"proposal", st.p.ID, "proposer", proposerID,
		"symbol", symbol, "action", action, "threshold", threshold)
	return st.p.ID, nil
}

// CastVote applies one agent's vote and evaluates resolution. The weight
// recorded on the vote is the voter's weight at this moment, read from
// the reputation ledger.
func (e *Engine) CastVote(ctx context.Context, proposalID, voterID string, sentiment int, justification string, voteContext map[string]any) error {
	if e.ledger.Halted() {
		return ErrPipelineHalted
	}
	if sentiment < -1 || sentiment > 1 {
		return fmt.Errorf("%w: sentiment must be -1, 0 or +1, got %d", ErrValidation, sentiment)
	}
	if err := e.registry.Authorize(voterID, agent.OpCastVote); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	e.mu.RLock()
	st, ok := e.proposals[proposalID]
	e.mu.RUnlock()
	if !ok {
		e.logger.Warn("vote against unknown proposal", "proposal", proposalID, "voter", voterID)
		return fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}

	st.mu.Lock()
	approved, err := e.castVoteLocked(ctx, st, proposalID, voterID, sentiment, justification, voteContext)
	st.mu.Unlock()

	// The hand-off runs outside the proposal lock: the arbiter calls back
	// into MarkExecuted, which needs it.
	if approved != nil {
		e.dispatch(ctx, approved)
	}
	return err
}

// castVoteLocked applies the vote and evaluates resolution. Assumes st.mu
// is held; returns the approved proposal copy to dispatch, if any.
func (e *Engine) castVoteLocked(ctx context.Context, st *proposalState, proposalID, voterID string, sentiment int, justification string, voteContext map[string]any) (*Proposal, error) {
	if st.p.Status != StatusVotingOpen {
		e.logger.Warn("vote against resolved proposal",
			"proposal", proposalID, "voter", voterID, "status", st.p.Status)
		return nil, fmt.Errorf("%w: %s already %s", ErrUnknownProposal, proposalID, st.p.Status)
	}

	now := e.clock().UTC()
	if !now.Before(st.p.ExpiresAt) {
		// The sweep would expire this proposal momentarily; do it now so
		// the vote observes the same outcome either way.
		e.resolveLocked(ctx, st, StatusExpired, now)
		return nil, fmt.Errorf("%w: %s expired", ErrUnknownProposal, proposalID)
	}
	if st.voted[voterID] {
		return nil, fmt.Errorf("%w: %s already voted on %s", ErrValidation, voterID, proposalID)
	}
	if _, entitled := st.entitled[voterID]; !entitled {
		return nil, fmt.Errorf("%w: %s not entitled to vote on %s", ErrValidation, voterID, proposalID)
	}

	// Snapshot the live weight. The entitlement snapshot keeps the
	// denominator consistent with it so the normalized score stays in
	// [-1, 1] even when weights moved since the proposal opened.
	w := e.weights.Weight(voterID)
	st.entitled[voterID] = w
	v := Vote{
		ProposalID:    proposalID,
		VoterID:       voterID,
		Sentiment:     sentiment,
		Weight:        w,
		WeightedScore: float64(sentiment) * w,
		Justification: justification,
		Context:       voteContext,
		CastAt:        now,
	}
	st.votes = append(st.votes, v)
	st.voted[voterID] = true
	st.sum += v.WeightedScore

	total := st.entitledTotal()
	st.p.Score = e.policy(st.sum, total)

	e.logger.Debug("vote cast",
		"proposal", proposalID, "voter", voterID,
		"sentiment", sentiment, "weight", w, "score", st.p.Score)

	switch {
	case st.p.Score >= st.p.Threshold:
		return e.resolveLocked(ctx, st, StatusApproved, now), nil
	case e.policy(st.sum+st.remainingWeight(), total) < st.p.Threshold:
		// Even unanimous support from everyone left cannot clear the bar.
		e.resolveLocked(ctx, st, StatusRejected, now)
	}
	return nil, nil
}

// ProposalStatus returns the proposal's current status, score and vote set.
func (e *Engine) ProposalStatus(proposalID string) (*StatusReport, error) {
	e.mu.RLock()
	st, ok := e.proposals[proposalID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	votes := make([]Vote, len(st.votes))
	copy(votes, st.votes)
	return &StatusReport{
		ProposalID: proposalID,
		Status:     st.p.Status,
		Score:      st.p.Score,
		Votes:      votes,
	}, nil
}

// MarkExecuted advances an approved proposal to EXECUTED once its intent
// has been accepted and dispatched. Any other starting state is an error;
// transitions are strictly monotonic.
func (e *Engine) MarkExecuted(proposalID string) error {
	e.mu.RLock()
	st, ok := e.proposals[proposalID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.p.Status != StatusApproved {
		return fmt.Errorf("consensus: %s is %s, not %s", proposalID, st.p.Status, StatusApproved)
	}
	st.p.Status = StatusExecuted
	if e.onResolve != nil {
		e.onResolve(StatusExecuted)
	}
	return nil
}

// SweepExpired resolves every open proposal whose deadline has passed and
// returns how many were expired. A halted ledger freezes the sweep: open
// proposals stay open until the chain is sound again.
func (e *Engine) SweepExpired(ctx context.Context) int {
	if e.ledger.Halted() {
		return 0
	}
	e.mu.RLock()
	states := make([]*proposalState, 0, len(e.proposals))
	for _, st := range e.proposals {
		states = append(states, st)
	}
	e.mu.RUnlock()

	now := e.clock().UTC()
	expired := 0
	for _, st := range states {
		st.mu.Lock()
		if st.p.Status == StatusVotingOpen && !now.Before(st.p.ExpiresAt) {
			e.resolveLocked(ctx, st, StatusExpired, now)
			expired++
		}
		st.mu.Unlock()
	}
	return expired
}

// Run sweeps expirations on a timer until ctx is done.
func (e *Engine) Run(ctx context.Context, sweepEvery time.Duration) {
	if sweepEvery <= 0 {
		sweepEvery = time.Second
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepExpired(ctx)
		}
	}
}

// resolveLocked finalizes a proposal: the ledger entry is written before
// the status flips, so a resolution without its forensic record never
// happened. A halted ledger suppresses resolution entirely. Idempotent — a
// proposal resolves exactly once. Assumes st.mu is held; for APPROVED it
// returns a proposal copy for the caller to dispatch after unlocking.
func (e *Engine) resolveLocked(ctx context.Context, st *proposalState, outcome Status, now time.Time) *Proposal {
	if st.p.Status != StatusVotingOpen {
		return nil
	}
	if e.ledger.Halted() {
		e.logger.Error("resolution suppressed, ledger halted",
			"proposal", st.p.ID, "outcome", outcome)
		return nil
	}

	voteSet := make([]map[string]any, 0, len(st.votes))
	for _, v := range st.votes {
		voteSet = append(voteSet, map[string]any{
			"voter_id":       v.VoterID,
			"sentiment":      v.Sentiment,
			"weight":         v.Weight,
			"weighted_score": v.WeightedScore,
			"justification":  v.Justification,
		})
	}

	if _, err := e.ledger.Append(ctx, forensic.Record{
		ActorID:     "consensus-engine",
		ActorRole:   string(agent.RoleSystem),
		Action:      forensic.ActionProposalResolved,
		Target:      st.p.ID,
		StateBefore: map[string]any{"status": string(StatusVotingOpen)},
		StateAfter:  map[string]any{"status": string(outcome), "score": st.p.Score},
		Payload: map[string]any{
			"threshold": st.p.Threshold,
			"votes":     voteSet,
		},
	}); err != nil {
		e.logger.Error("ledger append failed on resolution",
			"proposal", st.p.ID, "outcome", outcome, "error", err)
		return nil
	}

	st.p.Status = outcome
	st.p.ResolvedAt = now
	if e.onResolve != nil {
		e.onResolve(outcome)
	}

	e.logger.Info("proposal resolved",
		"proposal", st.p.ID, "outcome", outcome,
		"score", st.p.Score, "votes", len(st.votes))

	if outcome == StatusApproved && e.sink != nil {
		p := st.p
		return &p
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, p *Proposal) {
	if err := e.sink.SubmitApproved(ctx, p); err != nil {
		e.logger.Error("intent hand-off failed", "proposal", p.ID, "error", err)
	}
}

// entitledSnapshot captures every non-suspended agent whose role may vote,
// at its current weight. Zero-weight agents stay in the snapshot: they are
// entitled but influence nothing.
func (e *Engine) entitledSnapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, a := range e.registry.List() {
		if a.Suspended {
			continue
		}
		if err := e.registry.Authorize(a.ID, agent.OpCastVote); err != nil {
			continue
		}
		out[a.ID] = e.weights.Weight(a.ID)
	}
	return out
}

func (st *proposalState) entitledTotal() float64 {
	var total float64
	for _, w := range st.entitled {
		if w < 0 {
			w = -w
		}
		total += w
	}
	return total
}

// remainingWeight is the best positive contribution still available from
// agents who have not voted.
func (st *proposalState) remainingWeight() float64 {
	var rem float64
	for id, w := range st.entitled {
		if !st.voted[id] {
			rem += w
		}
	}
	return rem
}

func (e *Engine) validateParams(params Params) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := e.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: params: %v", ErrValidation, err)
	}
	return nil
}

func paramsMap(p Params) map[string]any {
	m := map[string]any{"quantity": p.Quantity}
	if p.Price != 0 {
		m["price"] = p.Price
	}
	if p.Stop != 0 {
		m["stop"] = p.Stop
	}
	if p.Target != 0 {
		m["target"] = p.Target
	}
	if p.Confidence != 0 {
		m["confidence"] = p.Confidence
	}
	return m
}
