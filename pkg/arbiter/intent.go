// Package arbiter is the sole gate between approved decisions and the
// outside world. It consumes approved proposals as order intents, applies
// a fixed sequence of risk checks, and either hands the order to the
// exchange connector or rejects it with a machine-readable reason.
//
// Nothing outside this package may cause an action to reach the exchange.
// Every verdict is written to the forensic ledger before it is released
// (write-then-signal), so the audit record exists even if the connector
// crashes immediately after.
package arbiter

import (
	"time"

	"github.com/Concord-Labs/concord/pkg/consensus"
)

// IntentState is an order intent's lifecycle state. Transitions run
// RECEIVED → RISK_CHECK → {ACCEPTED | REJECTED}; terminal states never
// change.
type IntentState string

const (
	IntentReceived  IntentState = "RECEIVED"
	IntentRiskCheck IntentState = "RISK_CHECK"
	IntentAccepted  IntentState = "ACCEPTED"
	IntentRejected  IntentState = "REJECTED"
)

// RejectReason is the machine-readable code carried by every rejection.
// The order of the checks that produce them is fixed; the first failure
// wins and is the only reason recorded.
type RejectReason string

const (
	ReasonTTLExpired RejectReason = "TTL_EXPIRED"
	ReasonRisk       RejectReason = "RISK_VIOLATION"
	ReasonRate       RejectReason = "RATE_VIOLATION"
	ReasonSelfMatch  RejectReason = "SELF_MATCH_VIOLATION"
	ReasonDuplicate  RejectReason = "DUPLICATE_INTENT"
	ReasonSafeMode   RejectReason = "SAFE_MODE_ACTIVE"
)

// OrderIntent is derived 1:1 from an approved proposal. Its lifecycle is
// owned entirely by the arbiter; once terminal it is archived, never
// reused.
type OrderIntent struct {
	ID         string           `json:"id"`
	ProposalID string           `json:"proposal_id"`
	ProposerID string           `json:"proposer_id"`
	Symbol     string           `json:"symbol"`
	Action     consensus.Action `json:"action"`
	Side       string           `json:"side"`
	Quantity   float64          `json:"quantity"`
	Price      float64          `json:"price,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
	// OriginAt is inherited from the proposal's resolution time; staleness
	// is measured against it, not against arrival at the arbiter.
	OriginAt   time.Time    `json:"origin_at"`
	State      IntentState  `json:"state"`
	Reason     RejectReason `json:"reason,omitempty"`
	OrderRef   string       `json:"order_ref,omitempty"`
	DecidedAt  time.Time    `json:"decided_at,omitzero"`
}

// Flatten reports whether the intent only reduces exposure. Flatten
// intents are the one class admitted during safe mode.
func (i *OrderIntent) Flatten() bool {
	return i.Action == consensus.ActionClose
}

// side maps the proposal action onto the exchange's two-sided book.
// CLOSE and HEDGE directions depend on the open position; the connector
// resolves them, the book here only needs BUY/SELL for self-match.
func side(a consensus.Action) string {
	switch a {
	case consensus.ActionBuy:
		return "BUY"
	case consensus.ActionSell, consensus.ActionClose, consensus.ActionHedge:
		return "SELL"
	}
	return ""
}
