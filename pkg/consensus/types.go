// Package consensus turns agent proposals and weighted votes into
// approved or rejected action intents.
//
// Each proposal is its own serialization domain: concurrent votes for the
// same proposal are applied one at a time so resolution never runs against
// a partially-applied vote set, while votes for different proposals
// proceed fully in parallel. Ambiguity always resolves to "do nothing" —
// a proposal that cannot reach its threshold is rejected or expires, never
// defaulted into an action.
package consensus

import (
	"time"
)

// Action is the trade action a proposal asks for.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionClose Action = "CLOSE"
	ActionHedge Action = "HEDGE"
)

// ValidAction reports membership in the closed action set.
func ValidAction(a Action) bool {
	switch a {
	case ActionBuy, ActionSell, ActionClose, ActionHedge:
		return true
	}
	return false
}

// Status is a proposal's lifecycle state. Transitions are monotonic:
// VOTING_OPEN → {APPROVED | REJECTED | EXPIRED}, and APPROVED → EXECUTED.
type Status string

const (
	StatusVotingOpen Status = "VOTING_OPEN"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
	StatusExpired    Status = "EXPIRED"
	StatusExecuted   Status = "EXECUTED"
)

// Params carries the suggested trade parameters. Quantity is required;
// price levels are optional. Confidence is the proposer's stated
// conviction, used later to size the reputation adjustment.
type Params struct {
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	Stop       float64 `json:"stop,omitempty"`
	Target     float64 `json:"target,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Proposal is a candidate action under vote. Once resolved it is
// immutable; resolution appends a ledger event rather than editing
// history. Proposals hold only the aggregate score, never references to
// individual votes — votes live in the engine's vote store keyed by
// proposal id.
type Proposal struct {
	ID         string    `json:"id"`
	ProposerID string    `json:"proposer_id"`
	Symbol     string    `json:"symbol"`
	Action     Action    `json:"action"`
	Params     Params    `json:"params"`
	Status     Status    `json:"status"`
	// Threshold is snapshotted at creation; the live threshold may move
	// with the volatility regime but a proposal is judged by the bar it
	// was submitted under.
	Threshold   float64   `json:"threshold"`
	SubmittedAt time.Time `json:"submitted_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitzero"`
	Score       float64   `json:"score"`
}

// Vote is one agent's opinion on a proposal. The weight is snapshotted at
// vote time — later reputation changes never rewrite why a decision was
// made. Immutable after creation; one vote per (proposal, voter) pair.
type Vote struct {
	ProposalID    string         `json:"proposal_id"`
	VoterID       string         `json:"voter_id"`
	Sentiment     int            `json:"sentiment"` // -1, 0, +1
	Weight        float64        `json:"weight"`
	WeightedScore float64        `json:"weighted_score"` // sentiment × weight
	Justification string         `json:"justification"`
	Context       map[string]any `json:"context,omitempty"`
	CastAt        time.Time      `json:"cast_at"`
}

// StatusReport is the read model returned by ProposalStatus.
type StatusReport struct {
	ProposalID string  `json:"proposal_id"`
	Status     Status  `json:"status"`
	Score      float64 `json:"score"`
	Votes      []Vote  `json:"votes"`
}

// ScorePolicy normalizes the accumulated weighted score. The default
// divides by the total entitled weight, yielding a score in [-1, 1];
// deployments may substitute their own normalization.
type ScorePolicy func(weightedSum, entitledWeight float64) float64

// NormalizedByEntitledWeight is the default policy.
func NormalizedByEntitledWeight(weightedSum, entitledWeight float64) float64 {
	if entitledWeight <= 0 {
		return 0
	}
	return weightedSum / entitledWeight
}
