// Package monitor decides when a child process has finished the command it
// was last given, using nothing but its CPU usage and the growth of its
// captured output.
//
// A command is considered finished once, in the same polling round, the
// child's CPU usage (normalized by its configured thread count) is below the
// idle threshold and its output length has stopped changing between two
// consecutive samples. Neither signal alone is enough: CPU drops briefly
// between stages of a multi-stage computation, and output may stall before a
// final flush.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

//go:generate mockgen -source=monitor.go -destination=mocks/mock_monitor.go -package=mocks

const (
	// DefaultPollTime is the interval between samples.
	DefaultPollTime = 250 * time.Millisecond

	// firstSampleFactor stretches the first CPU sample so startup noise of
	// the command is averaged out.
	firstSampleFactor = 4
)

// ErrProcessGone is returned when the monitored process has exited. It is
// never retried: whether the last command completed is unknowable.
var ErrProcessGone = errors.New("process gone")

// Sampler measures CPU utilization of the monitored process over an
// interval, in percent of one core.
type Sampler interface {
	Percent(ctx context.Context, interval time.Duration) (float64, error)
}

// LengthSource reports the current length of the captured output.
type LengthSource interface {
	Len() int
}

// Sample is one observation taken while waiting: normalized CPU and the
// two most recent output lengths, newest first.
type Sample struct {
	CPU     float64 `json:"cpu"`
	Lengths [2]int  `json:"lengths"`
}

// Growing reports whether output grew between the two lengths.
func (s Sample) Growing() bool {
	return s.Lengths[0] > s.Lengths[1]
}

// Options tune a single AwaitIdle call. Zero values select defaults.
type Options struct {
	// IdleCPU is the normalized CPU percentage below which the process
	// counts as idle. Nil selects the monitor's default; an explicit 0
	// never reads as idle.
	IdleCPU *float64
	// PollTime is the sampling interval.
	PollTime time.Duration
	// OnSample, if set, is called after every sample with whether the
	// process still looked busy.
	OnSample func(s Sample, busy bool)
}

// Monitor waits for a process to return to idle.
type Monitor struct {
	sampler Sampler
	source  LengthSource
	threads float64
	idleCPU float64
}

// New creates a monitor. threads is the worker thread count the process is
// configured with; idleCPU is the default idle threshold.
func New(sampler Sampler, source LengthSource, threads int, idleCPU float64) *Monitor {
	if threads < 1 {
		threads = 1
	}
	return &Monitor{
		sampler: sampler,
		source:  source,
		threads: float64(threads),
		idleCPU: idleCPU,
	}
}

// IdleCPU returns the default idle threshold.
func (m *Monitor) IdleCPU() float64 {
	return m.idleCPU
}

// AwaitIdle blocks until the process is idle and returns every sample taken.
// If ctx ends first, the samples so far are returned with ctx's error.
func (m *Monitor) AwaitIdle(ctx context.Context, opts Options) ([]Sample, error) {
	idle := m.idleCPU
	if opts.IdleCPU != nil {
		idle = *opts.IdleCPU
	}
	poll := opts.PollTime
	if poll <= 0 {
		poll = DefaultPollTime
	}

	var history []Sample

	// Newest first; the sentinel reads as "growing" so the loop runs once.
	lengths := [2]int{1, 0}

	cpu, err := m.sample(ctx, firstSampleFactor*poll)
	if err != nil {
		return history, err
	}

	for cpu >= idle || lengths[0] > lengths[1] {
		lengths[1], lengths[0] = lengths[0], m.source.Len()

		cpu, err = m.sample(ctx, poll)
		if err != nil {
			return history, err
		}

		s := Sample{CPU: cpu, Lengths: lengths}
		history = append(history, s)
		if opts.OnSample != nil {
			opts.OnSample(s, cpu >= idle || s.Growing())
		}
	}

	return history, nil
}

// sample returns CPU usage normalized by thread count.
func (m *Monitor) sample(ctx context.Context, interval time.Duration) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pct, err := m.sampler.Percent(ctx, interval)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("sample cpu: %w", err)
	}
	return pct / m.threads, nil
}

// DefaultIdleCPU derives the idle threshold from the configured thread count
// and the host's processor count: a tenth of the share of the machine the
// process can use, in percent.
func DefaultIdleCPU(threads, processors int) float64 {
	if processors < 1 {
		processors = 1
	}
	return float64(threads) / float64(processors) / 10 * 100
}
