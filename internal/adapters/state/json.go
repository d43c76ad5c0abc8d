// Package state checkpoints session state as JSON files, one per session.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

const fileSuffix = ".json"

// JSONCheckpointer implements core.Checkpointer with JSON files under a
// directory. Every write is atomic and the previous checkpoint is kept as a
// backup that Load falls back to.
type JSONCheckpointer struct {
	dir string
	now func() time.Time
}

// Option configures the checkpointer.
type Option func(*JSONCheckpointer)

// WithClock overrides the envelope timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *JSONCheckpointer) { c.now = now }
}

// NewJSONCheckpointer stores checkpoints under dir.
func NewJSONCheckpointer(dir string, opts ...Option) *JSONCheckpointer {
	c := &JSONCheckpointer{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope wraps a state with integrity metadata.
type envelope struct {
	Version   int                 `json:"version"`
	Checksum  string              `json:"checksum"`
	UpdatedAt time.Time           `json:"updated_at"`
	State     *core.WorkflowState `json:"state"`
}

// Dir returns the checkpoint directory.
func (c *JSONCheckpointer) Dir() string {
	return c.dir
}

// Path returns the checkpoint file of a session.
func (c *JSONCheckpointer) Path(sessionID string) string {
	return filepath.Join(c.dir, sessionID+fileSuffix)
}

func (c *JSONCheckpointer) backupPath(sessionID string) string {
	return c.Path(sessionID) + ".bak"
}

// Save implements core.Checkpointer.
func (c *JSONCheckpointer) Save(_ context.Context, s *core.WorkflowState) error {
	if s == nil {
		return core.ErrValidation(core.CodeStateCorrupted, "nil state")
	}
	if err := validID(s.SessionID); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	path := c.Path(s.SessionID)
	if current, err := os.ReadFile(path); err == nil {
		if err := atomicWriteFile(c.backupPath(s.SessionID), current, 0o644); err != nil {
			return fmt.Errorf("creating backup: %w", err)
		}
	}

	stateBytes, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	sum := sha256.Sum256(stateBytes)
	data, err := json.MarshalIndent(envelope{
		Version:   1,
		Checksum:  hex.EncodeToString(sum[:]),
		UpdatedAt: c.now(),
		State:     s,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if err := atomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// Load implements core.Checkpointer. A corrupt checkpoint is replaced by its
// backup when the backup verifies.
func (c *JSONCheckpointer) Load(_ context.Context, sessionID string) (*core.WorkflowState, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}
	path := c.Path(sessionID)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, core.ErrNotFound("checkpoint", sessionID)
	}
	s, err := loadFile(path)
	if err != nil {
		backup, backupErr := loadFile(c.backupPath(sessionID))
		if backupErr != nil {
			return nil, fmt.Errorf("loading checkpoint: %w (backup also failed: %v)", err, backupErr)
		}
		return backup, nil
	}
	return s, nil
}

// Sessions lists the sessions with a checkpoint, sorted by id.
func (c *JSONCheckpointer) Sessions() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), fileSuffix))
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a session's checkpoint and backup.
func (c *JSONCheckpointer) Delete(sessionID string) error {
	if err := validID(sessionID); err != nil {
		return err
	}
	for _, p := range []string{c.Path(sessionID), c.backupPath(sessionID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

func loadFile(path string) (*core.WorkflowState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "unreadable checkpoint").WithCause(err)
	}
	if env.State == nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "checkpoint has no state")
	}
	stateBytes, err := json.Marshal(env.State)
	if err != nil {
		return nil, fmt.Errorf("marshaling state for checksum: %w", err)
	}
	sum := sha256.Sum256(stateBytes)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, core.ErrState(core.CodeStateCorrupted, "checksum mismatch")
	}
	return env.State, nil
}

// validID rejects ids that would escape the checkpoint directory.
func validID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return core.ErrValidation(core.CodeStateCorrupted, fmt.Sprintf("invalid session id %q", id))
	}
	return nil
}

var _ core.Checkpointer = (*JSONCheckpointer)(nil)
