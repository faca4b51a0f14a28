// Package forensic implements the append-only, hash-chained ledger that
// records every state transition in the pipeline.
//
// Each entry's hash incorporates the previous entry's hash, so any
// retroactive alteration of a persisted entry breaks the chain at exactly
// one verifiable position. The ledger exposes no update or delete
// operation; immutability is structural, not policy.
package forensic

import (
	"time"
)

// ActionType categorizes the state transition an entry records.
type ActionType string

const (
	ActionProposalSubmitted ActionType = "PROPOSAL_SUBMITTED"
	ActionProposalResolved  ActionType = "PROPOSAL_RESOLVED"
	ActionIntentAccepted    ActionType = "INTENT_ACCEPTED"
	ActionIntentRejected    ActionType = "INTENT_REJECTED"
	ActionIntentOutcome     ActionType = "INTENT_OUTCOME"
	ActionSafeModeEntered   ActionType = "SAFE_MODE_ENTERED"
	ActionSafeModeCleared   ActionType = "SAFE_MODE_CLEARED"
	ActionReputationUpdate  ActionType = "REPUTATION_UPDATE"
	ActionEmergencyHalt     ActionType = "EMERGENCY_HALT"
)

// GenesisHash seeds the chain before any entry exists.
const GenesisHash = "genesis"

// Entry is one immutable, hash-chained ledger record.
//
// CurrHash is computed once at append time from PrevHash and the canonical
// serialization of the remaining fields. It is never recomputed afterward;
// chain verification is what detects tampering.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EventID     string         `json:"event_id"`
	Timestamp   time.Time      `json:"timestamp"`
	ActorID     string         `json:"actor_id"`
	ActorRole   string         `json:"actor_role"`
	Action      ActionType     `json:"action"`
	Target      string         `json:"target"`
	StateBefore map[string]any `json:"state_before,omitempty"`
	StateAfter  map[string]any `json:"state_after,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	PrevHash    string         `json:"prev_hash"`
	CurrHash    string         `json:"curr_hash"`
}

// Record is the caller-supplied portion of an entry. Sequence, timestamp,
// event id and hashes are assigned by the ledger at append time.
type Record struct {
	ActorID     string
	ActorRole   string
	Action      ActionType
	Target      string
	StateBefore map[string]any
	StateAfter  map[string]any
	Payload     map[string]any
}

// hashable is the canonical hash input: the full entry minus CurrHash.
type hashable struct {
	Sequence    uint64         `json:"sequence"`
	EventID     string         `json:"event_id"`
	Timestamp   time.Time      `json:"timestamp"`
	ActorID     string         `json:"actor_id"`
	ActorRole   string         `json:"actor_role"`
	Action      ActionType     `json:"action"`
	Target      string         `json:"target"`
	StateBefore map[string]any `json:"state_before,omitempty"`
	StateAfter  map[string]any `json:"state_after,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (e *Entry) hashInput() hashable {
	return hashable{
		Sequence:    e.Sequence,
		EventID:     e.EventID,
		Timestamp:   e.Timestamp,
		ActorID:     e.ActorID,
		ActorRole:   e.ActorRole,
		Action:      e.Action,
		Target:      e.Target,
		StateBefore: e.StateBefore,
		StateAfter:  e.StateAfter,
		Payload:     e.Payload,
	}
}
