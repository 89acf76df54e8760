package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// Gauge names set by ProcessCollector.
const (
	GaugeGoroutines = "process_goroutines"
	GaugeRSSBytes   = "process_rss_bytes"
	GaugeCPUPercent = "process_cpu_percent"
	GaugeThreads    = "process_threads"
	GaugeHeapBytes  = "go_heap_alloc_bytes"
)

// ProcessCollector samples resource usage of the running process.
type ProcessCollector struct {
	proc *process.Process
}

// NewProcessCollector attaches to the current process.
func NewProcessCollector() (*ProcessCollector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("attach to process: %w", err)
	}
	return &ProcessCollector{proc: proc}, nil
}

func (c *ProcessCollector) Name() string { return "process" }

func (c *ProcessCollector) Collect(ctx context.Context, r *Registry) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	r.SetGauge(GaugeGoroutines, float64(runtime.NumGoroutine()))
	r.SetGauge(GaugeHeapBytes, float64(mem.HeapAlloc))

	var errs []error
	if info, err := c.proc.MemoryInfoWithContext(ctx); err == nil {
		r.SetGauge(GaugeRSSBytes, float64(info.RSS))
	} else {
		errs = append(errs, fmt.Errorf("memory info: %w", err))
	}
	if pct, err := c.proc.CPUPercentWithContext(ctx); err == nil {
		r.SetGauge(GaugeCPUPercent, pct)
	} else {
		errs = append(errs, fmt.Errorf("cpu percent: %w", err))
	}
	if n, err := c.proc.NumThreadsWithContext(ctx); err == nil {
		r.SetGauge(GaugeThreads, float64(n))
	} else {
		errs = append(errs, fmt.Errorf("threads: %w", err))
	}
	return errors.Join(errs...)
}
