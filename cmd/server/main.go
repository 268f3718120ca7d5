package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mwfn-driver/internal/realtime"
	"mwfn-driver/internal/session"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Port        int
	StaticDir   string
	ProgramDir  string
	DataFile    string
	Executable  string
	SuppressGUI bool
	PollTime    time.Duration
	Script      string
	Artifacts   bool
}

func loadConfig() Config {
	cfg := Config{
		Port:        8420,
		SuppressGUI: true,
		PollTime:    250 * time.Millisecond,
		Artifacts:   true,
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	cfg.ProgramDir = os.Getenv("MWFN_DIR")
	cfg.DataFile = os.Getenv("MWFN_DATA")
	cfg.Executable = os.Getenv("MWFN_EXE")
	cfg.Script = os.Getenv("MWFN_SCRIPT")
	if v := os.Getenv("MWFN_SUPPRESS_GUI"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SuppressGUI = b
		}
	}
	if v := os.Getenv("MWFN_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollTime = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MWFN_TRACK_ARTIFACTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Artifacts = b
		}
	}

	return cfg
}

// sessionConfig translates server configuration into a session config.
func (c Config) sessionConfig() session.Config {
	sc := session.DefaultConfig(c.ProgramDir, c.DataFile)
	if c.Executable != "" {
		sc.Executable = c.Executable
	}
	sc.SuppressGUI = c.SuppressGUI
	sc.PollTime = c.PollTime
	sc.TrackArtifacts = c.Artifacts
	sc.Status = os.Stdout
	return sc
}

// runScript executes each non-empty, non-comment line of path as a command.
func runScript(ctx context.Context, sess *session.Session, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open script: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if _, err := sess.Execute(ctx, line, session.ExecOptions{PrintStatus: true}); err != nil {
			return fmt.Errorf("script command %q: %w", line, err)
		}
	}
	return scanner.Err()
}

func main() {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Launch the program and load the data file.
	sess, err := session.Open(ctx, cfg.sessionConfig())
	if err != nil {
		log.Fatalf("open session: %v", err)
	}
	defer sess.Shutdown(false)

	if cfg.Script != "" {
		if err := runScript(ctx, sess, cfg.Script); err != nil {
			log.Printf("%v", err)
		}
	}

	// Initialize realtime server.
	rtServer := realtime.New(sess, cfg.StaticDir, nil)

	// Set up HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals or when the program exits.
	go func() {
		select {
		case <-ctx.Done():
		case <-sess.Done():
			log.Println("Program exited")
		}
		log.Println("Shutting down...")
		rtServer.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("Driving %s (pid %d) on http://localhost:%d", sess.LoadedFile(), sess.PID(), cfg.Port)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Printf("HTTP server error: %v", err)
	}
}
