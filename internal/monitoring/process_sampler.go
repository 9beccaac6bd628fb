package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSample is one measurement of the hub process.
type ProcessSample struct {
	MemoryBytes uint64
	MemoryMB    float64
	CPUPercent  float64
	Goroutines  int
	Timestamp   time.Time
}

// ProcessSampler periodically measures the hub process's resident memory
// and CPU usage, updating the process gauges and keeping the latest sample
// for the health endpoint. Measure once, query many times.
type ProcessSampler struct {
	proc   *process.Process
	logger zerolog.Logger

	mu   sync.RWMutex
	last ProcessSample
}

// NewProcessSampler attaches to the current process.
func NewProcessSampler(logger zerolog.Logger) (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to attach process sampler: %w", err)
	}
	return &ProcessSampler{
		proc:   proc,
		logger: logger.With().Str("component", "process_sampler").Logger(),
	}, nil
}

// Run samples on the given interval until ctx is cancelled.
func (s *ProcessSampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Process sampler stopped")
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

// Current returns the most recent sample.
func (s *ProcessSampler) Current() ProcessSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *ProcessSampler) sample() {
	sample := ProcessSample{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	if mem, err := s.proc.MemoryInfo(); err == nil {
		sample.MemoryBytes = mem.RSS
		sample.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		ProcessMemoryBytes.Set(float64(mem.RSS))
	} else {
		s.logger.Debug().Err(err).Msg("Memory sample failed")
	}

	if cpu, err := s.proc.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
		ProcessCPUPercent.Set(cpu)
	} else {
		s.logger.Debug().Err(err).Msg("CPU sample failed")
	}

	s.mu.Lock()
	s.last = sample
	s.mu.Unlock()

	s.logger.Debug().
		Float64("memory_mb", sample.MemoryMB).
		Float64("cpu_percent", sample.CPUPercent).
		Int("goroutines", sample.Goroutines).
		Msg("Process state sampled")
}
