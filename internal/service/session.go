package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

// WorkspaceInitializer creates session handles scoped to a workspace
// directory. The directory is created when missing.
type WorkspaceInitializer struct {
	now func() time.Time
}

// NewWorkspaceInitializer creates an initializer.
func NewWorkspaceInitializer() *WorkspaceInitializer {
	return &WorkspaceInitializer{now: time.Now}
}

// Initialize implements core.SessionInitializer. An empty workspace means the
// current directory.
func (w *WorkspaceInitializer) Initialize(ctx context.Context, workspace string) (core.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return core.SessionHandle{}, err
	}
	if workspace == "" {
		workspace = "."
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return core.SessionHandle{}, fmt.Errorf("resolving workspace: %w", err)
	}
	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return core.SessionHandle{}, fmt.Errorf("creating workspace: %w", err)
		}
	case err != nil:
		return core.SessionHandle{}, fmt.Errorf("checking workspace: %w", err)
	case !info.IsDir():
		return core.SessionHandle{}, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("workspace %s is not a directory", abs))
	}
	now := time.Now
	if w != nil && w.now != nil {
		now = w.now
	}
	return core.SessionHandle{
		ID:        "sess-" + uuid.NewString(),
		Workspace: abs,
		CreatedAt: now(),
	}, nil
}
