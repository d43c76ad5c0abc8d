// Package guard stops sessions whose routing loops or runs away.
//
// The guard looks at the dispatch history with the proposed dispatch
// appended. Three conditions trip it:
//
//   - the same role proposed MaxConsecutive times in a row
//   - a cycle of 2 to MaxCycleLength roles repeated twice at the tail
//   - more dispatches than IterationCeiling
//
// A ceiling divergence traces the whole history; the pattern checks trace
// only the offending tail.
//
// Gate dispatches (hitl) and validation-loop dispatches are ignored by the
// pattern checks because the validation controller bounds those itself. They
// still count toward the ceiling.
package guard

import (
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

// Defaults.
const (
	DefaultMaxConsecutive   = 3
	DefaultMaxCycleLength   = 3
	DefaultIterationCeiling = 25
)

// Config bounds routing.
type Config struct {
	MaxConsecutive   int
	MaxCycleLength   int
	IterationCeiling int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxConsecutive:   DefaultMaxConsecutive,
		MaxCycleLength:   DefaultMaxCycleLength,
		IterationCeiling: DefaultIterationCeiling,
	}
}

// Guard is stateless; one value may serve every session.
type Guard struct {
	cfg Config
}

// New creates a guard. Zero fields take their defaults.
func New(cfg Config) *Guard {
	if cfg.MaxConsecutive <= 0 {
		cfg.MaxConsecutive = DefaultMaxConsecutive
	}
	if cfg.MaxCycleLength < 2 {
		cfg.MaxCycleLength = DefaultMaxCycleLength
	}
	if cfg.IterationCeiling <= 0 {
		cfg.IterationCeiling = DefaultIterationCeiling
	}
	return &Guard{cfg: cfg}
}

// Config returns the effective limits.
func (g *Guard) Config() Config {
	return g.cfg
}

// Check returns a divergence if history, which ends with the proposed
// dispatch, must not proceed. It returns nil otherwise.
func (g *Guard) Check(history []core.Dispatch) *core.WorkflowDivergence {
	if len(history) > g.cfg.IterationCeiling {
		return &core.WorkflowDivergence{
			Reason: core.DivergenceIterationCeiling,
			Trace:  roles(history),
			Limit:  g.cfg.IterationCeiling,
		}
	}

	seq := patternRoles(history)
	if n := g.cfg.MaxConsecutive; len(seq) >= n && sameRole(seq[len(seq)-n:]) {
		return &core.WorkflowDivergence{
			Reason: core.DivergenceConsecutive,
			Trace:  append([]core.Role(nil), seq[len(seq)-n:]...),
			Limit:  n,
		}
	}
	for k := 2; k <= g.cfg.MaxCycleLength; k++ {
		if len(seq) < 2*k {
			break
		}
		tail := seq[len(seq)-2*k:]
		if sameRole(tail) || !equalRoles(tail[:k], tail[k:]) {
			continue
		}
		return &core.WorkflowDivergence{
			Reason: core.DivergenceCycle,
			Trace:  append([]core.Role(nil), tail...),
			Limit:  k,
		}
	}
	return nil
}

// CheckProposal checks s with a dispatch of role appended. HITL decisions
// are gates and never trip the pattern checks.
func (g *Guard) CheckProposal(s core.WorkflowState, role core.Role, origin core.StepOrigin) *core.WorkflowDivergence {
	history := make([]core.Dispatch, len(s.History), len(s.History)+1)
	copy(history, s.History)
	history = append(history, core.Dispatch{Role: role, Origin: origin})
	return g.Check(history)
}

// patternRoles drops dispatches that the validation loop or a gate owns.
func patternRoles(history []core.Dispatch) []core.Role {
	out := make([]core.Role, 0, len(history))
	for _, d := range history {
		if d.Role == core.RoleHITL || d.Origin == core.OriginValidation {
			continue
		}
		out = append(out, d.Role)
	}
	return out
}

func roles(history []core.Dispatch) []core.Role {
	out := make([]core.Role, len(history))
	for i, d := range history {
		out[i] = d.Role
	}
	return out
}

func sameRole(seq []core.Role) bool {
	for _, r := range seq[1:] {
		if r != seq[0] {
			return false
		}
	}
	return true
}

func equalRoles(a, b []core.Role) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
