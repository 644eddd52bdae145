package memwatch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one observation. Level is filled in by the monitor.
type Sample struct {
	Time        time.Time `json:"time"`
	UsedPercent float64   `json:"used_percent"`
	Total       uint64    `json:"total_bytes"`
	Available   uint64    `json:"available_bytes"`
	ProcessRSS  uint64    `json:"process_rss_bytes"`
	Level       Level     `json:"level"`
}

// Sampler reads current memory figures.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Sample, error)

func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// SystemSampler reports host memory and this process's resident set.
type SystemSampler struct {
	proc *process.Process
}

func NewSystemSampler() *SystemSampler {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &SystemSampler{}
	}
	return &SystemSampler{proc: p}
}

func (s *SystemSampler) Sample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("virtual memory: %w", err)
	}
	out := Sample{
		Time:        time.Now(),
		UsedPercent: vm.UsedPercent,
		Total:       vm.Total,
		Available:   vm.Available,
	}
	if s.proc != nil {
		if mi, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			out.ProcessRSS = mi.RSS
		}
	}
	return out, nil
}
