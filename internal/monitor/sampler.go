package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcSampler samples a live process's CPU usage from the OS.
type ProcSampler struct {
	proc *process.Process
	done <-chan struct{}
}

// NewProcSampler creates a sampler for pid. done must be closed once the
// process has exited; sampling fails with ErrProcessGone from then on.
func NewProcSampler(ctx context.Context, pid int, done <-chan struct{}) (*ProcSampler, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
		}
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	return &ProcSampler{proc: proc, done: done}, nil
}

// Percent measures CPU usage over interval. 100 means one core fully busy.
func (s *ProcSampler) Percent(ctx context.Context, interval time.Duration) (float64, error) {
	if s.exited() {
		return 0, s.gone(nil)
	}

	pct, err := s.proc.PercentWithContext(ctx, interval)

	// A reaped child may have been sampled as a zombie; trust done over pct.
	if s.exited() {
		return 0, s.gone(err)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, s.gone(err)
	}
	return pct, nil
}

func (s *ProcSampler) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *ProcSampler) gone(cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: pid %d: %v", ErrProcessGone, s.proc.Pid, cause)
	}
	return fmt.Errorf("%w: pid %d exited", ErrProcessGone, s.proc.Pid)
}

// Processors returns the number of logical processors on the host.
func Processors(ctx context.Context) (int, error) {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("count processors: %w", err)
	}
	return n, nil
}
