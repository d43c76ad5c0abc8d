package diagnostics

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

func fakeMemory(availableMB uint64) memoryFunc {
	return func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Available: availableMB * 1024 * 1024}, nil
	}
}

func TestPreflight_Run(t *testing.T) {
	tests := []struct {
		name      string
		minMB     uint64
		available uint64
		wantOK    bool
		warnings  int
	}{
		{"disabled", 0, 10, true, 0},
		{"plenty", 512, 4096, true, 0},
		{"near limit", 512, 600, true, 1},
		{"insufficient", 512, 100, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPreflight(tt.minMB, nil)
			p.memory = fakeMemory(tt.available)

			res := p.Run(context.Background())
			assert.Equal(t, tt.wantOK, res.OK)
			assert.Len(t, res.Warnings, tt.warnings)
			assert.Equal(t, tt.available, res.FreeMemoryMB)
			if tt.wantOK {
				assert.NoError(t, res.Err())
			} else {
				err := res.Err()
				require.Error(t, err)
				assert.Equal(t, core.ErrCatWorker, core.GetCategory(err))
			}
		})
	}
}

func TestPreflight_ProbeFailureIsWarning(t *testing.T) {
	p := NewPreflight(512, nil)
	p.memory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return nil, errors.New("no /proc")
	}
	res := p.Run(context.Background())
	assert.True(t, res.OK)
	assert.Len(t, res.Warnings, 1)
}

func TestPreflight_ReportsGPUsOnce(t *testing.T) {
	p := NewPreflight(0, nil)
	p.memory = fakeMemory(4096)
	scans := 0
	p.gpus = func() ([]string, error) {
		scans++
		return []string{"NVIDIA GeForce RTX 4090"}, nil
	}

	first := p.Run(context.Background())
	second := p.Run(context.Background())
	assert.Equal(t, []string{"NVIDIA GeForce RTX 4090"}, first.GPUs)
	assert.Equal(t, first.GPUs, second.GPUs)
	assert.Equal(t, 1, scans)
}

func TestPreflight_GPUScanFailureIsIgnored(t *testing.T) {
	p := NewPreflight(512, nil)
	p.memory = fakeMemory(4096)
	p.gpus = func() ([]string, error) { return nil, errors.New("no pci bus") }

	res := p.Run(context.Background())
	assert.True(t, res.OK)
	assert.Empty(t, res.GPUs)
	assert.Empty(t, res.Warnings)
}

func TestInspect_Self(t *testing.T) {
	info, err := Inspect(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), info.PID)
	assert.True(t, info.Running)
}

func TestKillProcessTree(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	require.NoError(t, KillProcessTree(context.Background(), cmd.Process.Pid))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
}
