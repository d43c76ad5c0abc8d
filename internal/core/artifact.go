package core

import "strings"

// ArtifactKind classifies what a worker produced.
type ArtifactKind string

const (
	ArtifactCode         ArtifactKind = "code"
	ArtifactFile         ArtifactKind = "file"
	ArtifactArchitecture ArtifactKind = "architecture"
	ArtifactSummary      ArtifactKind = "summary"
	ArtifactResearch     ArtifactKind = "research"
)

// ArtifactRef is how a worker reports a produced artifact.
type ArtifactRef struct {
	Path string       `json:"path"`
	Kind ArtifactKind `json:"kind"`
	// Type is the artifact class used for validation thresholds, e.g. "go" or "markdown".
	Type string `json:"type,omitempty"`
}

// Artifact tracks a produced artifact across its revisions.
type Artifact struct {
	Path     string       `json:"path"`
	Kind     ArtifactKind `json:"kind"`
	Type     string       `json:"type,omitempty"`
	Producer Role         `json:"producer"`
	Version  int          `json:"version"`
	// CheckedVersion is the latest version a validator has run against.
	CheckedVersion int  `json:"checked_version"`
	Validated      bool `json:"validated"`
}

// RequiresValidation reports whether the artifact must pass a validator.
func (a Artifact) RequiresValidation() bool {
	return a.Kind == ArtifactCode || a.Kind == ArtifactFile
}

// IsDocumentation reports whether the artifact documents the session's work.
func (a Artifact) IsDocumentation() bool {
	return a.Kind == ArtifactArchitecture || a.Kind == ArtifactSummary
}

// Unchecked reports whether the current version has not been seen by a validator.
func (a Artifact) Unchecked() bool {
	return a.RequiresValidation() && a.Version > a.CheckedVersion
}

// ArtifactType returns the class used to pick a validation threshold.
// It falls back to the path extension when the worker did not name one.
func (a Artifact) ArtifactType() string {
	if a.Type != "" {
		return strings.ToLower(a.Type)
	}
	if i := strings.LastIndexByte(a.Path, '.'); i >= 0 && i < len(a.Path)-1 {
		return strings.ToLower(a.Path[i+1:])
	}
	return string(a.Kind)
}

// ValidationRecord holds per-artifact retry bookkeeping.
type ValidationRecord struct {
	Attempts     int     `json:"attempts"`
	Failures     int     `json:"failures"`
	LastScore    float64 `json:"last_score"`
	LastFeedback string  `json:"last_feedback,omitempty"`
	Escalated    bool    `json:"escalated,omitempty"`
}
