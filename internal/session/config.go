package session

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"mwfn-driver/internal/monitor"
	"mwfn-driver/internal/settings"
)

const (
	defaultSettleDelay   = time.Second
	defaultStartupGrace  = 100 * time.Millisecond
	defaultShutdownGrace = 5 * time.Second
)

// ErrConfiguration is returned by Validate and Open when the program
// directory, executable or data file is unusable. Nothing has been launched
// when it is returned.
var ErrConfiguration = errors.New("invalid configuration")

// Config describes how to launch the program and drive it.
type Config struct {
	// ProgramDir holds the executable and its settings file; the program
	// runs with it as working directory.
	ProgramDir string
	// DataFile is loaded as the first command. A relative path is resolved
	// against the caller's working directory.
	DataFile string
	// SuppressGUI forces isilent to 1 while the program starts, then
	// restores the settings file.
	SuppressGUI bool

	// Executable is the program's file name within ProgramDir.
	Executable string
	// SettingsFile is the settings file name within ProgramDir.
	SettingsFile string

	PollTime      time.Duration
	SettleDelay   time.Duration // wait after spawn before the settings file is restored
	StartupGrace  time.Duration
	ShutdownGrace time.Duration

	// TrackArtifacts records files written to ProgramDir by each command.
	TrackArtifacts bool

	Logger *log.Logger
	// Status receives progress lines for commands run with PrintStatus.
	Status io.Writer
}

// DefaultExecutable returns the program's file name on this platform.
func DefaultExecutable() string {
	if runtime.GOOS == "windows" {
		return "Multiwfn.exe"
	}
	return "Multiwfn"
}

// DefaultConfig returns a config with every tunable set to its default.
func DefaultConfig(programDir, dataFile string) Config {
	return Config{
		ProgramDir:    programDir,
		DataFile:      dataFile,
		SuppressGUI:   true,
		Executable:    DefaultExecutable(),
		SettingsFile:  settings.FileName,
		PollTime:      monitor.DefaultPollTime,
		SettleDelay:   defaultSettleDelay,
		StartupGrace:  defaultStartupGrace,
		ShutdownGrace: defaultShutdownGrace,
	}
}

// withDefaults fills unset fields and makes paths absolute.
func (c Config) withDefaults() Config {
	if c.Executable == "" {
		c.Executable = DefaultExecutable()
	}
	if c.SettingsFile == "" {
		c.SettingsFile = settings.FileName
	}
	if c.PollTime == 0 {
		c.PollTime = monitor.DefaultPollTime
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.StartupGrace == 0 {
		c.StartupGrace = defaultStartupGrace
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Status == nil {
		c.Status = os.Stdout
	}
	if c.ProgramDir != "" {
		if abs, err := filepath.Abs(c.ProgramDir); err == nil {
			c.ProgramDir = abs
		}
	}
	if c.DataFile != "" {
		if abs, err := filepath.Abs(c.DataFile); err == nil {
			c.DataFile = abs
		}
	}
	return c
}

// Validate checks the config before anything is launched.
func (c Config) Validate() error {
	if c.ProgramDir == "" {
		return fmt.Errorf("%w: program directory not set", ErrConfiguration)
	}
	info, err := os.Stat(c.ProgramDir)
	if err != nil {
		return fmt.Errorf("%w: program directory does not exist: %s", ErrConfiguration, c.ProgramDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: path is not a directory: %s", ErrConfiguration, c.ProgramDir)
	}

	exe := c.executablePath()
	info, err = os.Stat(exe)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: executable not found: %s", ErrConfiguration, exe)
	}

	if c.DataFile == "" {
		return fmt.Errorf("%w: data file not set", ErrConfiguration)
	}
	info, err = os.Stat(c.DataFile)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: data file not found: %s", ErrConfiguration, c.DataFile)
	}

	if c.PollTime < 0 {
		return fmt.Errorf("%w: poll time must be positive, got %s", ErrConfiguration, c.PollTime)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("%w: settle delay must not be negative, got %s", ErrConfiguration, c.SettleDelay)
	}
	return nil
}

func (c Config) executablePath() string {
	return filepath.Join(c.ProgramDir, c.Executable)
}

func (c Config) settingsPath() string {
	return filepath.Join(c.ProgramDir, c.SettingsFile)
}
