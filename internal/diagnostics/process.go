package diagnostics

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo is a point-in-time view of a worker process.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Running    bool    `json:"running"`
	RSSMB      float64 `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	Children   int     `json:"children"`
}

// Inspect reports resource usage of pid. Fields that cannot be read stay zero.
func Inspect(ctx context.Context, pid int) (ProcessInfo, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessInfo{PID: int32(pid)}, fmt.Errorf("inspecting pid %d: %w", pid, err)
	}
	info := ProcessInfo{PID: p.Pid}
	info.Running, _ = p.IsRunningWithContext(ctx)
	if m, err := p.MemoryInfoWithContext(ctx); err == nil && m != nil {
		info.RSSMB = float64(m.RSS) / (1024 * 1024)
	}
	info.CPUPercent, _ = p.CPUPercentWithContext(ctx)
	info.Threads, _ = p.NumThreadsWithContext(ctx)
	if children, err := p.ChildrenWithContext(ctx); err == nil {
		info.Children = len(children)
	}
	return info, nil
}

// KillProcessTree kills pid and all of its descendants, children first.
// A process that is already gone is not an error.
func KillProcessTree(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("finding pid %d: %w", pid, err)
	}
	return killTree(ctx, p)
}

func killTree(ctx context.Context, p *process.Process) error {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil && !errors.Is(err, process.ErrorNoChildren) {
		children = nil
	}
	var errs []error
	for _, c := range children {
		if err := killTree(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.KillWithContext(ctx); err != nil {
		if running, _ := p.IsRunningWithContext(ctx); running {
			errs = append(errs, fmt.Errorf("killing pid %d: %w", p.Pid, err))
		}
	}
	return errors.Join(errs...)
}
