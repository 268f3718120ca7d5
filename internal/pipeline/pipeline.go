package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultStartupGrace     = 100 * time.Millisecond
	defaultShutdownGrace    = 5 * time.Second
	defaultSubscriberBufCap = 100
	defaultRecentCapacity   = 1000
	// pipeWaitDelay bounds how long Wait keeps draining output after the
	// child exits, e.g. when a grandchild still holds the pipes open.
	pipeWaitDelay = 2 * time.Second
)

var (
	// ErrLaunch is returned when the child cannot be started or exits
	// during its startup grace period.
	ErrLaunch = errors.New("launch failed")

	// ErrPipeClosed is returned when feeding input to a child that has exited.
	ErrPipeClosed = errors.New("stdin pipe closed")

	// ErrRange is returned for a read outside the captured output.
	ErrRange = errors.New("range outside captured output")
)

// Spec describes the child process to launch.
type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env replaces the inherited environment when non-nil.
	Env []string

	// StartupGrace is how long the child must survive for Start to succeed.
	StartupGrace time.Duration
	// ShutdownGrace is how long a graceful Terminate waits before killing.
	ShutdownGrace time.Duration
}

// Pipeline owns a child process, its stdin, and the captured stdout
// (primary) and stderr (diagnostic) buffers.
type Pipeline struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  *stdinWriter
	stdout *Buffer
	stderr *Buffer
	grace  time.Duration

	done     chan struct{}
	exitCode atomic.Int32

	subMu       sync.RWMutex
	subscribers map[string]chan OutputEvent
	recent      *Ring[OutputEvent]
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return ErrPipeClosed
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// streamWriter appends to a buffer and fans the chunk out to subscribers.
type streamWriter struct {
	p      *Pipeline
	buf    *Buffer
	stream OutputEventType
}

func (w *streamWriter) Write(data []byte) (int, error) {
	n, err := w.buf.Write(data)
	w.p.fanOut(OutputEvent{
		Type:      w.stream,
		Data:      string(data),
		Timestamp: time.Now().UTC(),
	})
	return n, err
}

// Start spawns the child described by spec and begins capturing its output.
// The child outlives ctx; ctx only bounds the startup grace period.
func Start(ctx context.Context, spec Spec) (*Pipeline, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("%w: empty executable path", ErrLaunch)
	}
	if spec.StartupGrace <= 0 {
		spec.StartupGrace = defaultStartupGrace
	}
	if spec.ShutdownGrace <= 0 {
		spec.ShutdownGrace = defaultShutdownGrace
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.WaitDelay = pipeWaitDelay

	p := &Pipeline{
		cmd:         cmd,
		cancel:      cancel,
		stdout:      NewBuffer(),
		stderr:      NewBuffer(),
		grace:       spec.ShutdownGrace,
		done:        make(chan struct{}),
		subscribers: make(map[string]chan OutputEvent),
		recent:      NewRing[OutputEvent](defaultRecentCapacity),
	}
	p.exitCode.Store(-1)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: create stdin pipe: %v", ErrLaunch, err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = &streamWriter{p: p, buf: p.stdout, stream: OutputStdout}
	cmd.Stderr = &streamWriter{p: p, buf: p.stderr, stream: OutputStderr}
	p.stdin = &stdinWriter{writer: stdinW}

	if err := cmd.Start(); err != nil {
		stdinW.Close()
		stdinR.Close()
		cancel()
		return nil, fmt.Errorf("%w: start %s: %v", ErrLaunch, spec.Path, err)
	}

	// The child holds its own copy of the read end now.
	stdinR.Close()

	go p.waitForExit()

	timer := time.NewTimer(spec.StartupGrace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil, fmt.Errorf("%w: %s exited immediately with code %d", ErrLaunch, spec.Path, p.ExitCode())
	case <-ctx.Done():
		p.Terminate(true)
		return nil, fmt.Errorf("%w: %w", ErrLaunch, ctx.Err())
	case <-timer.C:
	}

	return p, nil
}

// waitForExit reaps the child once its output has been drained.
func (p *Pipeline) waitForExit() {
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	p.exitCode.Store(int32(exitCode))

	p.stdin.Close()
	p.cancel()
	close(p.done)

	p.fanOut(OutputEvent{
		Type:      OutputExit,
		Data:      fmt.Sprintf("exit_code:%d", exitCode),
		Timestamp: time.Now().UTC(),
	})
}

// Feed writes text to the child's stdin.
func (p *Pipeline) Feed(text string) error {
	if p.Exited() {
		return ErrPipeClosed
	}
	if err := p.stdin.Write([]byte(text)); err != nil {
		if errors.Is(err, ErrPipeClosed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPipeClosed, err)
	}
	return nil
}

// Len returns the current length of the primary (stdout) buffer.
func (p *Pipeline) Len() int {
	return p.stdout.Len()
}

// ReadSlice returns [start, end) of the primary buffer.
func (p *Pipeline) ReadSlice(start, end int) (string, error) {
	return p.stdout.Slice(start, end)
}

// Text returns the whole primary buffer.
func (p *Pipeline) Text() string {
	return p.stdout.String()
}

// Tail returns at most n trailing bytes of the primary buffer.
func (p *Pipeline) Tail(n int) string {
	return p.stdout.Tail(n)
}

// StderrText returns the whole diagnostic buffer.
func (p *Pipeline) StderrText() string {
	return p.stderr.String()
}

// StderrLen returns the current length of the diagnostic buffer.
func (p *Pipeline) StderrLen() int {
	return p.stderr.Len()
}

// PID returns the child's process ID.
func (p *Pipeline) PID() int {
	return p.cmd.Process.Pid
}

// Done returns a channel that is closed when the child has exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the child has exited.
func (p *Pipeline) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the child's exit code, or -1 while it is running.
func (p *Pipeline) ExitCode() int {
	return int(p.exitCode.Load())
}

// Terminate stops the child and waits for it to exit. A graceful stop closes
// stdin and interrupts the child, killing it if it is still alive after the
// shutdown grace period; force kills it immediately. Safe to call repeatedly.
func (p *Pipeline) Terminate(force bool) error {
	p.stdin.Close()

	if p.Exited() {
		return nil
	}

	if force {
		p.cancel()
	} else if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		// Interrupt is unsupported on some platforms.
		p.cancel()
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.cancel()
		<-p.done
	}
	return nil
}

// Subscribe registers a listener for output chunks and the exit event, and
// returns the most recent events so a late listener can catch up. No event
// is both in the history and sent on the channel. Slow listeners miss events
// rather than block capture.
func (p *Pipeline) Subscribe() (string, <-chan OutputEvent, []OutputEvent) {
	subID := uuid.New().String()
	ch := make(chan OutputEvent, defaultSubscriberBufCap)

	p.subMu.Lock()
	history := p.recent.Items()
	p.subscribers[subID] = ch
	p.subMu.Unlock()

	return subID, ch, history
}

// Unsubscribe removes a listener and closes its channel.
func (p *Pipeline) Unsubscribe(subID string) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	if ch, ok := p.subscribers[subID]; ok {
		close(ch)
		delete(p.subscribers, subID)
	}
}

// fanOut records an event and sends it to all subscribers.
func (p *Pipeline) fanOut(event OutputEvent) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()

	p.recent.Push(event)

	for _, ch := range p.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}
