package consensus

import "errors"

// ErrValidation marks malformed input: bad enum values, non-positive TTL,
// schema-invalid parameters. Rejected to the caller immediately and never
// persisted as a resolution.
var ErrValidation = errors.New("consensus: validation error")

// ErrUnknownProposal marks a vote against a proposal that does not exist
// or is already resolved. Distinguishable from validation failures so the
// caller can tell "you were too late" from "you were wrong". Logged but
// not ledger-recorded — no state changed.
var ErrUnknownProposal = errors.New("consensus: unknown proposal")

// ErrPipelineHalted is returned while the forensic ledger is halted by
// tamper detection; no new proposals or votes are processed system-wide.
var ErrPipelineHalted = errors.New("consensus: pipeline halted")
