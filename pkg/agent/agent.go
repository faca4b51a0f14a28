// Package agent tracks the identities of swarm participants and the
// operations each role is entitled to perform.
//
// Roles form a closed set; per-role validation goes through a single
// dispatch table rather than type hierarchies, so adding a role means
// adding one table row, not a subclass.
package agent

import (
	"fmt"
	"sync"
	"time"
)

// Role tags what an agent is allowed to do in the pipeline.
type Role string

const (
	RoleProposer     Role = "PROPOSER"
	RoleRiskSentinel Role = "RISK_SENTINEL"
	RoleSystem       Role = "SYSTEM"
)

// Operation names a pipeline entry point subject to role validation.
type Operation string

const (
	OpSubmitProposal Operation = "SUBMIT_PROPOSAL"
	OpCastVote       Operation = "CAST_VOTE"
	OpHeartbeat      Operation = "HEARTBEAT"
	OpEmergencyHalt  Operation = "EMERGENCY_HALT"
)

// entitlements is the closed role dispatch table. Every operation check in
// the pipeline funnels through this one structure.
var entitlements = map[Role]map[Operation]bool{
	RoleProposer: {
		OpSubmitProposal: true,
		OpCastVote:       true,
		OpHeartbeat:      true,
	},
	RoleRiskSentinel: {
		OpCastVote:      true,
		OpHeartbeat:     true,
		OpEmergencyHalt: true,
	},
	RoleSystem: {
		OpHeartbeat:     true,
		OpEmergencyHalt: true,
	},
}

// ValidRole reports whether r is a member of the closed role set.
func ValidRole(r Role) bool {
	_, ok := entitlements[r]
	return ok
}

// Agent is a registered swarm participant. Weight and reputation are owned
// by the reputation ledger; this record carries identity only.
type Agent struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	RegisteredAt time.Time `json:"registered_at"`
	Suspended    bool      `json:"suspended"`
}

// Registry holds all registered agents. Agents are never deleted; a
// misbehaving agent is suspended, which silences its vote weight.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	clock  func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		clock:  time.Now,
	}
}

// WithClock overrides clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Register adds a new agent. Registering an existing id is an error.
func (r *Registry) Register(id string, role Role) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("agent: empty id")
	}
	if !ValidRole(role) {
		return nil, fmt.Errorf("agent: unknown role %q", role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return nil, fmt.Errorf("agent: %q already registered", id)
	}

	a := &Agent{ID: id, Role: role, RegisteredAt: r.clock().UTC()}
	r.agents[id] = a
	return a, nil
}

// Get retrieves an agent by id.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent: %q not registered", id)
	}
	copied := *a
	return &copied, nil
}

// Authorize checks the role dispatch table for the given operation.
// Suspended agents fail every check.
func (r *Registry) Authorize(id string, op Operation) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent: %q not registered", id)
	}
	if a.Suspended {
		return fmt.Errorf("agent: %q is suspended", id)
	}
	if !entitlements[a.Role][op] {
		return fmt.Errorf("agent: role %s may not perform %s", a.Role, op)
	}
	return nil
}

// Suspend marks an agent suspended. The caller is responsible for forcing
// its weight to zero through the reputation ledger.
func (r *Registry) Suspend(id string) error {
	return r.setSuspended(id, true)
}

// Reinstate lifts a suspension.
func (r *Registry) Reinstate(id string) error {
	return r.setSuspended(id, false)
}

func (r *Registry) setSuspended(id string, suspended bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent: %q not registered", id)
	}
	a.Suspended = suspended
	return nil
}

// List returns a snapshot of all registered agents.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}
