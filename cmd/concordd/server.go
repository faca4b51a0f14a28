package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Concord-Labs/concord/pkg/agent"
	"github.com/Concord-Labs/concord/pkg/arbiter"
	"github.com/Concord-Labs/concord/pkg/audit"
	"github.com/Concord-Labs/concord/pkg/consensus"
	"github.com/Concord-Labs/concord/pkg/forensic"
	"github.com/Concord-Labs/concord/pkg/heartbeat"
	"github.com/Concord-Labs/concord/pkg/observability"
	"github.com/Concord-Labs/concord/pkg/reputation"
)

// Server exposes the pipeline's external operations over HTTP. Every call
// lands in the audit stream whether it succeeds or not; the forensic
// ledger only sees the ones that change state.
type Server struct {
	registry *agent.Registry
	rep      *reputation.Ledger
	engine   *consensus.Engine
	arb      *arbiter.Arbiter
	monitor  *heartbeat.Monitor
	ledger   *forensic.Ledger
	auditor  audit.Logger
	obs      *observability.Provider
	logger   *slog.Logger

	defaultThreshold float64
	defaultTTL       time.Duration
}

// RegisterRoutes wires all endpoints onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("POST /v1/proposals", s.handleSubmitProposal)
	mux.HandleFunc("GET /v1/proposals/{id}", s.handleProposalStatus)
	mux.HandleFunc("POST /v1/proposals/{id}/votes", s.handleCastVote)
	mux.HandleFunc("POST /v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /v1/halt", s.handleEmergencyHalt)
	mux.HandleFunc("GET /v1/intents/{id}", s.handleIntentStatus)
	mux.HandleFunc("POST /v1/intents/{id}/outcome", s.handleReportOutcome)
	mux.HandleFunc("GET /v1/ledger/verify", s.handleVerifyLedger)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := "INTERNAL"
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, consensus.ErrValidation):
		code, status = "VALIDATION_ERROR", http.StatusBadRequest
	case errors.Is(err, consensus.ErrUnknownProposal):
		code, status = "UNKNOWN_PROPOSAL", http.StatusNotFound
	case errors.Is(err, arbiter.ErrUnknownIntent):
		code, status = "UNKNOWN_INTENT", http.StatusNotFound
	case errors.Is(err, consensus.ErrPipelineHalted), errors.Is(err, arbiter.ErrHalted), errors.Is(err, forensic.ErrHalted):
		code, status = "PIPELINE_HALTED", http.StatusServiceUnavailable
	case errors.Is(err, forensic.ErrTamperDetected):
		code, status = "TAMPER_DETECTED", http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{"error": code, "detail": err.Error()})
}

type registerAgentRequest struct {
	ID   string     `json:"id"`
	Role agent.Role `json:"role"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "VALIDATION_ERROR", "detail": "invalid JSON"})
		return
	}

	a, err := s.registry.Register(req.ID, req.Role)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "VALIDATION_ERROR", "detail": err.Error()})
		return
	}
	if err := s.rep.Enroll(req.ID); err != nil {
		s.logger.Error("reputation enroll failed", "agent", req.ID, "error", err)
	}

	_ = s.auditor.Record(req.ID, string(req.Role), audit.EventSystem, "register_agent", req.ID, nil)
	s.writeJSON(w, http.StatusCreated, a)
}

type submitProposalRequest struct {
	ProposerID string           `json:"proposer_id"`
	Symbol     string           `json:"symbol"`
	Action     consensus.Action `json:"action"`
	Params     consensus.Params `json:"params"`
	Threshold  float64          `json:"threshold,omitempty"`
	TTLMs      int              `json:"ttl_ms,omitempty"`
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	ctx, done := s.obs.TrackOperation(r.Context(), "submit_proposal")
	var opErr error
	defer func() { done(opErr) }()

	var req submitProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		opErr = err
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "VALIDATION_ERROR", "detail": "invalid JSON"})
		return
	}

	threshold := req.Threshold
	if threshold == 0 {
		threshold = s.defaultThreshold
	}
	ttl := time.Duration(req.TTLMs) * time.Millisecond
	if req.TTLMs == 0 {
		ttl = s.defaultTTL
	}

	id, err := s.engine.SubmitProposal(ctx, req.ProposerID, req.Symbol, req.Action, req.Params, threshold, ttl)
	_ = s.auditor.Record(req.ProposerID, string(agent.RoleProposer), audit.EventDecision, "submit_proposal", id,
		map[string]any{"symbol": req.Symbol, "action": req.Action, "accepted": err == nil})
	if err != nil {
		opErr = err
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"proposal_id": id})
}

type castVoteRequest struct {
	VoterID       string         `json:"voter_id"`
	Sentiment     int            `json:"sentiment"`
	Justification string         `json:"justification"`
	Context       map[string]any `json:"context,omitempty"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	ctx, done := s.obs.TrackOperation(r.Context(), "cast_vote")
	var opErr error
	defer func() { done(opErr) }()

	proposalID := r.PathValue("id")
	var req castVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		opErr = err
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "VALIDATION_ERROR", "detail": "invalid JSON"})
		return
	}

	err := s.engine.CastVote(ctx, proposalID, req.VoterID, req.Sentiment, req.Justification, req.Context)
	_ = s.auditor.Record(req.VoterID, "", audit.EventDecision, "cast_vote", proposalID,
		map[string]any{"sentiment": req.Sentiment, "accepted": err == nil})
	if err != nil {
		opErr = err
		s.writeError(w, err)
		return
	}
	s.obs.RecordVote(ctx, req.Sentiment)
	s.writeJSON(w, http.StatusOK, map[string]any{"ack": true})
}

func (s *Server) handleProposalStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.ProposalStatus(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

type heartbeatRequest struct {
	SourceID    string `json:"source_id"`
	TimestampNs int64  `json:"timestamp_ns,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "VALIDATION_ERROR", "detail": "invalid JSON"})
		return
	}
	ts := time.Now()
	if req.TimestampNs != 0 {
		ts = time.Unix(0, req.TimestampNs)
	}
	if err := s.monitor.Beat(req.SourceID, ts); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "VALIDATION_ERROR", "detail": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ack":    true,
		"status": s.monitor.Status(),
	})
}

type haltRequest struct {
	ActorID string `json:"actor_id"`
}

func (s *Server) handleEmergencyHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "VALIDATION_ERROR", "detail": "invalid JSON"})
		return
	}
	if err := s.registry.Authorize(req.ActorID, agent.OpEmergencyHalt); err != nil {
		_ = s.auditor.Record(req.ActorID, "", audit.EventLiveness, "emergency_halt_denied", "", nil)
		s.writeJSON(w, http.StatusForbidden, map[string]any{"error": "FORBIDDEN", "detail": err.Error()})
		return
	}
	if err := s.monitor.EmergencyHalt(r.Context(), req.ActorID); err != nil {
		s.writeError(w, err)
		return
	}
	_ = s.auditor.Record(req.ActorID, "", audit.EventLiveness, "emergency_halt", "execution-pipeline", nil)
	s.writeJSON(w, http.StatusOK, map[string]any{"ack": true})
}

type reportOutcomeRequest struct {
	Outcome float64 `json:"outcome"`
}

// handleReportOutcome closes an accepted intent with its realized outcome,
// which feeds the proposer's reputation weight.
func (s *Server) handleReportOutcome(w http.ResponseWriter, r *http.Request) {
	intentID := r.PathValue("id")
	var req reportOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "VALIDATION_ERROR", "detail": "invalid JSON"})
		return
	}

	err := s.arb.ReportOutcome(r.Context(), intentID, req.Outcome)
	_ = s.auditor.Record("", "", audit.EventExecution, "report_outcome", intentID,
		map[string]any{"outcome": req.Outcome, "accepted": err == nil})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ack": true})
}

func (s *Server) handleIntentStatus(w http.ResponseWriter, r *http.Request) {
	intent, err := s.arb.IntentStatus(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Verify(r.Context())
	if err != nil && !errors.Is(err, forensic.ErrTamperDetected) {
		s.writeError(w, err)
		return
	}
	_ = s.auditor.Record("", "", audit.EventSystem, "verify_ledger", "",
		map[string]any{"valid": report.Valid, "entries": report.Entries})
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    s.monitor.Status(),
		"safe_mode": s.monitor.SafeModeActive(),
		"halted":    s.ledger.Halted(),
	})
}
