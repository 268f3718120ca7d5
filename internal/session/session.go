// Package session drives one running instance of the program: it launches
// it, submits commands one at a time, waits for each to finish and keeps the
// output each command produced addressable by its index.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mwfn-driver/internal/ledger"
	"mwfn-driver/internal/monitor"
	"mwfn-driver/internal/pipeline"
	"mwfn-driver/internal/settings"
	"mwfn-driver/internal/status"
	"mwfn-driver/internal/watcher"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLaunching     State = "launching"
	StateReady         State = "ready"
	StateExecuting     State = "executing"
	StateShuttingDown  State = "shutting_down"
	StateTerminated    State = "terminated"
)

var (
	// ErrNotReady is returned by Execute outside the Ready state.
	ErrNotReady = errors.New("session not ready")

	// ErrBusy is returned by Execute while another command is running.
	ErrBusy = errors.New("session busy")
)

// Errors from the packages a session is built on, so callers need only
// import session.
var (
	ErrLaunch       = pipeline.ErrLaunch
	ErrPipeClosed   = pipeline.ErrPipeClosed
	ErrRange        = pipeline.ErrRange
	ErrProcessGone  = monitor.ErrProcessGone
	ErrIndex        = ledger.ErrIndex
	ErrInconsistent = ledger.ErrInconsistent
)

// loadedRe matches the program's confirmation that the data file loaded.
var loadedRe = regexp.MustCompile(`(?im)^\s*Loaded (.*) successfully!\s*$`)

// ExecOptions tune a single Execute call. A nil IdleCPU or a zero PollTime
// selects the session's default.
type ExecOptions struct {
	IdleCPU     *float64
	PollTime    time.Duration
	PrintStatus bool
}

// Info is a snapshot of session metadata.
type Info struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	PID        int       `json:"pid"`
	ProgramDir string    `json:"programDir"`
	DataFile   string    `json:"dataFile"`
	LoadedFile string    `json:"loadedFile"`
	Threads    int       `json:"threads"`
	Processors int       `json:"processors"`
	IdleCPU    float64   `json:"idleCpu"`
	Records    int       `json:"records"`
	OutputLen  int       `json:"outputLen"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Session is a running program instance.
type Session struct {
	id        string
	cfg       Config
	logger    *log.Logger
	printer   *status.Printer
	createdAt time.Time

	pipe    *pipeline.Pipeline
	monitor *monitor.Monitor
	ledger  *ledger.Ledger
	watcher *watcher.Watcher

	threads    int
	processors int
	loadedFile string

	stateMu sync.RWMutex
	state   State

	execMu sync.Mutex

	shutdownOnce sync.Once
	shutdownErr  error
}

// Open validates cfg, launches the program, and loads the data file. On any
// failure the program is stopped, the settings file is left as it was, and
// the error is returned.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:        uuid.New().String(),
		cfg:       cfg,
		logger:    cfg.Logger,
		printer:   status.NewPrinter(cfg.Status),
		createdAt: time.Now().UTC(),
		ledger:    ledger.New(),
		state:     StateUninitialized,
	}

	s.setState(StateLaunching)
	if err := s.launch(ctx); err != nil {
		s.logger.Printf("session %s: launch failed: %v", s.id, err)
		s.Shutdown(true)
		return nil, err
	}
	s.setState(StateReady)
	go s.watchExit()

	if err := s.load(ctx); err != nil {
		s.logger.Printf("session %s: load failed: %v", s.id, err)
		s.Shutdown(true)
		return nil, err
	}

	s.logger.Printf("session %s: ready (pid %d, %s, %d threads, %d processors, idle below %.2f%%)",
		s.id, s.PID(), s.loadedFile, s.threads, s.processors, s.monitor.IdleCPU())
	return s, nil
}

// With opens a session, runs fn, and shuts the session down however fn
// returns.
func With(ctx context.Context, cfg Config, fn func(*Session) error) error {
	s, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Shutdown(false)
	return fn(s)
}

// launch spawns the program. The settings file is restored before launch
// returns, whatever happens.
func (s *Session) launch(ctx context.Context) (err error) {
	var values settings.Values
	if s.cfg.SuppressGUI {
		guard, v, serr := settings.Suppress(s.cfg.settingsPath())
		if serr != nil {
			return fmt.Errorf("%w: %w", pipeline.ErrLaunch, serr)
		}
		defer func() {
			if rerr := guard.Restore(); rerr != nil {
				s.logger.Printf("session %s: %v", s.id, rerr)
				if err == nil {
					err = fmt.Errorf("%w: %w", pipeline.ErrLaunch, rerr)
				}
			}
		}()
		values = v
	} else {
		v, serr := settings.Read(s.cfg.settingsPath())
		if serr != nil {
			return fmt.Errorf("%w: %w", pipeline.ErrLaunch, serr)
		}
		values = v
	}

	procs, err := monitor.Processors(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrLaunch, err)
	}

	p, err := pipeline.Start(ctx, pipeline.Spec{
		Path:          s.cfg.executablePath(),
		Dir:           s.cfg.ProgramDir,
		StartupGrace:  s.cfg.StartupGrace,
		ShutdownGrace: s.cfg.ShutdownGrace,
	})
	if err != nil {
		return err
	}
	s.pipe = p

	// The program reads its settings while starting up.
	timer := time.NewTimer(s.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-p.Done():
		return fmt.Errorf("%w: exited during startup with code %d", pipeline.ErrLaunch, p.ExitCode())
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", pipeline.ErrLaunch, ctx.Err())
	case <-timer.C:
	}

	sampler, err := monitor.NewProcSampler(ctx, p.PID(), p.Done())
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrLaunch, err)
	}

	s.threads = values.Threads
	s.processors = procs
	s.monitor = monitor.New(sampler, p, values.Threads, monitor.DefaultIdleCPU(values.Threads, procs))

	if s.cfg.TrackArtifacts {
		w, werr := watcher.New(s.cfg.ProgramDir, s.logger, s.cfg.SettingsFile)
		if werr != nil {
			s.logger.Printf("session %s: artifact tracking disabled: %v", s.id, werr)
		} else {
			s.watcher = w
		}
	}
	return nil
}

// load submits the data file path as the first command and scrapes the
// program's confirmation.
func (s *Session) load(ctx context.Context) error {
	if _, err := s.Execute(ctx, s.cfg.DataFile, ExecOptions{}); err != nil {
		return fmt.Errorf("%w: load %s: %w", pipeline.ErrLaunch, s.cfg.DataFile, err)
	}
	m := loadedRe.FindStringSubmatch(s.pipe.Text())
	if m == nil {
		return fmt.Errorf("%w: no load confirmation for %s", pipeline.ErrLaunch, s.cfg.DataFile)
	}
	s.loadedFile = strings.TrimSpace(m[1])
	return nil
}

// watchExit shuts the session down when the program exits on its own.
func (s *Session) watchExit() {
	<-s.pipe.Done()
	if st := s.State(); st != StateShuttingDown && st != StateTerminated {
		s.logger.Printf("session %s: program exited with code %d", s.id, s.pipe.ExitCode())
	}
	s.Shutdown(true)
}

// Execute submits command, waits for the program to go idle, and records the
// output produced meanwhile. A line terminator is appended if missing.
//
// Commands never overlap: a call made while another is running fails with
// ErrBusy. If ctx ends first, nothing is recorded and the session stays
// ready; output the command produces later is credited to the next record.
// If the program exits, the session is shut down and ErrProcessGone returned.
func (s *Session) Execute(ctx context.Context, command string, opts ExecOptions) (ledger.Record, error) {
	if !s.execMu.TryLock() {
		return ledger.Record{}, ErrBusy
	}
	defer s.execMu.Unlock()

	if !s.transition(StateReady, StateExecuting) {
		return ledger.Record{}, fmt.Errorf("%w: session is %s", ErrNotReady, s.State())
	}

	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}

	if s.watcher != nil {
		s.watcher.Reset()
	}
	started := time.Now().UTC()

	if err := s.pipe.Feed(command); err != nil {
		s.Shutdown(true)
		return ledger.Record{}, fmt.Errorf("feed %q: %w", ledger.NormalizeCommand(command), err)
	}

	mopts := monitor.Options{IdleCPU: opts.IdleCPU, PollTime: opts.PollTime}
	if mopts.PollTime <= 0 {
		mopts.PollTime = s.cfg.PollTime
	}
	if opts.PrintStatus {
		mopts.OnSample = func(sample monitor.Sample, busy bool) {
			s.printer.Sample(sample, busy, s.pipe.Tail(status.TailBytes))
		}
	}

	history, err := s.monitor.AwaitIdle(ctx, mopts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.transition(StateExecuting, StateReady)
			return ledger.Record{}, err
		}
		s.logger.Printf("session %s: %q: %v", s.id, ledger.NormalizeCommand(command), err)
		s.Shutdown(true)
		return ledger.Record{}, err
	}

	end := s.pipe.Len()
	var artifacts []string
	if s.watcher != nil {
		artifacts = s.watcher.Drain()
	}

	rec, err := s.ledger.Record(ledger.Entry{
		Command:   command,
		Start:     s.ledger.End(),
		End:       end,
		History:   history,
		Artifacts: artifacts,
		Started:   started,
		Finished:  time.Now().UTC(),
	})
	if err != nil {
		s.transition(StateExecuting, StateReady)
		return ledger.Record{}, err
	}

	s.transition(StateExecuting, StateReady)
	if opts.PrintStatus {
		s.printer.Command(rec)
	}
	return rec, nil
}

// Output returns everything the program has written to stdout.
func (s *Session) Output() string {
	return s.pipe.Text()
}

// OutputAt returns the output of record i.
func (s *Session) OutputAt(i int) (string, error) {
	rec, err := s.ledger.At(i)
	if err != nil {
		return "", err
	}
	return s.pipe.ReadSlice(rec.Span.Start, rec.Span.End)
}

// OutputBlock returns the output of the record at *index, or all output if
// index is nil.
func (s *Session) OutputBlock(index *int) (string, error) {
	if index == nil {
		return s.Output(), nil
	}
	return s.OutputAt(*index)
}

// Records returns every record so far, in submission order.
func (s *Session) Records() []ledger.Record {
	return s.ledger.Records()
}

// Record returns record i.
func (s *Session) Record(i int) (ledger.Record, error) {
	return s.ledger.At(i)
}

// Stderr returns everything the program has written to stderr.
func (s *Session) Stderr() string {
	return s.pipe.StderrText()
}

// Subscribe streams output chunks as they are captured, see
// pipeline.Pipeline.Subscribe.
func (s *Session) Subscribe() (string, <-chan pipeline.OutputEvent, []pipeline.OutputEvent) {
	return s.pipe.Subscribe()
}

// Unsubscribe stops a stream started by Subscribe.
func (s *Session) Unsubscribe(subID string) {
	s.pipe.Unsubscribe(subID)
}

func (s *Session) ID() string { return s.id }
func (s *Session) PID() int { return s.pipe.PID() }
func (s *Session) Threads() int { return s.threads }
func (s *Session) Processors() int { return s.processors }
func (s *Session) IdleCPU() float64 { return s.monitor.IdleCPU() }
func (s *Session) LoadedFile() string { return s.loadedFile }
func (s *Session) ProgramDir() string { return s.cfg.ProgramDir }
func (s *Session) Done() <-chan struct{} { return s.pipe.Done() }

// Info returns a snapshot of the session's metadata.
func (s *Session) Info() Info {
	return Info{
		ID:         s.id,
		State:      s.State(),
		PID:        s.PID(),
		ProgramDir: s.cfg.ProgramDir,
		DataFile:   s.cfg.DataFile,
		LoadedFile: s.loadedFile,
		Threads:    s.threads,
		Processors: s.processors,
		IdleCPU:    s.IdleCPU(),
		Records:    s.ledger.Len(),
		OutputLen:  s.pipe.Len(),
		CreatedAt:  s.createdAt,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// transition moves from one state to another, reporting whether the session
// was in the from state.
func (s *Session) transition(from, to State) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Shutdown stops the program. A graceful shutdown interrupts it and waits up
// to the shutdown grace period before killing it; force kills it at once.
// Safe to call from any state and more than once.
func (s *Session) Shutdown(force bool) error {
	s.shutdownOnce.Do(func() {
		s.setState(StateShuttingDown)
		if s.watcher != nil {
			if err := s.watcher.Close(); err != nil {
				s.logger.Printf("session %s: close watcher: %v", s.id, err)
			}
		}
		if s.pipe != nil {
			s.shutdownErr = s.pipe.Terminate(force)
		}
		s.setState(StateTerminated)
		s.logger.Printf("session %s: terminated", s.id)
	})
	return s.shutdownErr
}
