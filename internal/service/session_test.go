package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

func TestWorkspaceInitializer(t *testing.T) {
	wi := NewWorkspaceInitializer()
	dir := filepath.Join(t.TempDir(), "nested", "ws")

	h, err := wi.Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h.ID, "sess-"))
	assert.Equal(t, dir, h.Workspace)
	assert.False(t, h.CreatedAt.IsZero())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	again, err := wi.Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, again.ID)
}

func TestWorkspaceInitializer_Errors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := NewWorkspaceInitializer().Initialize(context.Background(), file)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewWorkspaceInitializer().Initialize(ctx, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}
