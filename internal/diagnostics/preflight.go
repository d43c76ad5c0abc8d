package diagnostics

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/logging"
)

// PreflightResult contains the result of pre-spawn checks.
type PreflightResult struct {
	OK           bool     `json:"ok"`
	Warnings     []string `json:"warnings,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	FreeMemoryMB uint64   `json:"free_memory_mb"`
	Goroutines   int      `json:"goroutines"`
	// GPUs names the graphics cards visible to workers running local models.
	GPUs []string `json:"gpus,omitempty"`
}

// Err converts a failed result into a worker-unavailable error.
func (r PreflightResult) Err() error {
	if r.OK {
		return nil
	}
	return core.ErrWorker(core.CodeWorkerUnavailable,
		"preflight failed: "+strings.Join(r.Errors, "; "))
}

type memoryFunc func(ctx context.Context) (*mem.VirtualMemoryStat, error)

type gpuFunc func() ([]string, error)

// Preflight checks host resources before a worker process starts.
type Preflight struct {
	minFreeMemoryMB uint64
	logger          *logging.Logger
	memory          memoryFunc
	gpus            gpuFunc

	gpuOnce  sync.Once
	gpuNames []string
}

// NewPreflight returns a checker requiring minFreeMemoryMB of available
// memory. Zero disables the memory requirement.
func NewPreflight(minFreeMemoryMB uint64, logger *logging.Logger) *Preflight {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Preflight{
		minFreeMemoryMB: minFreeMemoryMB,
		logger:          logger,
		memory:          mem.VirtualMemoryWithContext,
		gpus:            queryGPUs,
	}
}

// Run performs the checks.
func (p *Preflight) Run(ctx context.Context) PreflightResult {
	res := PreflightResult{OK: true, Goroutines: runtime.NumGoroutine(), GPUs: p.graphicsCards()}

	vm, err := p.memory(ctx)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("reading memory stats: %v", err))
		p.logger.Debug("preflight memory probe failed", "error", err)
		return res
	}
	res.FreeMemoryMB = vm.Available / (1024 * 1024)

	if p.minFreeMemoryMB == 0 {
		return res
	}
	switch {
	case res.FreeMemoryMB < p.minFreeMemoryMB:
		res.OK = false
		res.Errors = append(res.Errors, fmt.Sprintf("insufficient free memory: %d MB available (minimum: %d MB)",
			res.FreeMemoryMB, p.minFreeMemoryMB))
	case res.FreeMemoryMB < p.minFreeMemoryMB*3/2:
		res.Warnings = append(res.Warnings, fmt.Sprintf("free memory approaching limit: %d MB", res.FreeMemoryMB))
	}
	for _, w := range res.Warnings {
		p.logger.Warn("preflight warning", "warning", w)
	}
	return res
}

// graphicsCards lists the host GPUs once; the hardware scan is slow and its
// answer does not change while the process runs.
func (p *Preflight) graphicsCards() []string {
	p.gpuOnce.Do(func() {
		names, err := p.gpus()
		if err != nil {
			p.logger.Debug("gpu scan failed", "error", err)
			return
		}
		p.gpuNames = names
	})
	return p.gpuNames
}

func queryGPUs() ([]string, error) {
	info, err := ghw.GPU()
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	names := make([]string, 0, len(info.GraphicsCards))
	for _, card := range info.GraphicsCards {
		name := ""
		if card.DeviceInfo != nil {
			var parts []string
			if card.DeviceInfo.Vendor != nil {
				parts = append(parts, card.DeviceInfo.Vendor.Name)
			}
			if card.DeviceInfo.Product != nil {
				parts = append(parts, card.DeviceInfo.Product.Name)
			}
			name = strings.TrimSpace(strings.Join(parts, " "))
		}
		if name == "" {
			name = fmt.Sprintf("GPU %d", card.Index)
		}
		names = append(names, name)
	}
	return names, nil
}
