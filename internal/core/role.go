package core

import (
	"fmt"
	"strings"
)

// Role identifies a worker role. The set of roles is closed.
type Role string

const (
	RoleResearch  Role = "research"
	RoleArchitect Role = "architect"
	RoleCodesmith Role = "codesmith"
	RoleValidator Role = "validator"
	RoleResponder Role = "responder"
	RoleHITL      Role = "hitl"

	// RoleEnd is the terminal pseudo-role. It is never dispatched.
	RoleEnd Role = "end"
)

// StepRoles returns every role an ExecutionStep can carry, in canonical order.
func StepRoles() []Role {
	return []Role{RoleResearch, RoleArchitect, RoleCodesmith, RoleValidator, RoleResponder, RoleHITL}
}

// WorkerRoles returns the roles served by out-of-process workers.
func WorkerRoles() []Role {
	return []Role{RoleResearch, RoleArchitect, RoleCodesmith, RoleValidator, RoleResponder}
}

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r == RoleEnd || r.IsStepRole() {
		return r, nil
	}
	return "", ErrValidation(CodeInvalidRole, fmt.Sprintf("unknown role %q", s))
}

// IsStepRole reports whether r can be assigned to an ExecutionStep.
func (r Role) IsStepRole() bool {
	switch r {
	case RoleResearch, RoleArchitect, RoleCodesmith, RoleValidator, RoleResponder, RoleHITL:
		return true
	}
	return false
}

// IsWorker reports whether r is served by an out-of-process worker.
func (r Role) IsWorker() bool {
	return r.IsStepRole() && r != RoleHITL
}

// IsProducer reports whether r produces artifacts that need validation.
func (r Role) IsProducer() bool {
	return r == RoleArchitect || r == RoleCodesmith
}

// IsTerminal reports whether r ends the session.
func (r Role) IsTerminal() bool {
	return r == RoleEnd
}

func (r Role) String() string {
	return string(r)
}
