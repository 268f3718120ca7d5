// Package settings reads and temporarily edits the external program's
// settings file (settings.ini), a line-oriented "key= value" text file.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
)

// FileName is the settings file the program reads from its working directory.
const FileName = "settings.ini"

var (
	// ErrMissingKey is returned when a required key is absent.
	ErrMissingKey = errors.New("settings key not found")

	// ErrMalformed is returned when a key has an unusable value.
	ErrMalformed = errors.New("settings value malformed")
)

// Values end at whitespace or a trailing "//" comment.
var (
	isilentRe  = regexp.MustCompile(`(?m)^(\s*isilent\s*=\s*)([^\s/]+)`)
	nthreadsRe = regexp.MustCompile(`(?m)^\s*nthreads\s*=\s*([^\s/]+)`)
)

// Values are the settings the driver cares about.
type Values struct {
	// Silent is the isilent flag: when set the program shows no GUI windows.
	Silent bool
	// Threads is nthreads, the worker thread count.
	Threads int
}

// Parse extracts isilent and nthreads from settings text.
func Parse(text []byte) (Values, error) {
	var v Values

	m := isilentRe.FindSubmatch(text)
	if m == nil {
		return v, fmt.Errorf("%w: isilent", ErrMissingKey)
	}
	switch string(m[2]) {
	case "0":
		v.Silent = false
	case "1":
		v.Silent = true
	default:
		return v, fmt.Errorf("%w: isilent=%q, want 0 or 1", ErrMalformed, m[2])
	}

	m = nthreadsRe.FindSubmatch(text)
	if m == nil {
		return v, fmt.Errorf("%w: nthreads", ErrMissingKey)
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil || n < 1 {
		return v, fmt.Errorf("%w: nthreads=%q, want a positive integer", ErrMalformed, m[1])
	}
	v.Threads = n

	return v, nil
}

// Read parses the settings file at path without modifying it.
func Read(path string) (Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Values{}, fmt.Errorf("read settings: %w", err)
	}
	v, err := Parse(data)
	if err != nil {
		return Values{}, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Guard restores a settings file to the bytes it held before Suppress.
type Guard struct {
	path     string
	original []byte
	mode     os.FileMode
	changed  bool

	once sync.Once
	err  error
}

// Suppress forces isilent to 1 in the settings file at path and returns a
// Guard that puts the original bytes back. The values returned are those of
// the original file. A file that fails to parse is left untouched.
func Suppress(path string) (*Guard, Values, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, Values{}, fmt.Errorf("stat settings: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Values{}, fmt.Errorf("read settings: %w", err)
	}
	v, err := Parse(data)
	if err != nil {
		return nil, Values{}, fmt.Errorf("%s: %w", path, err)
	}

	g := &Guard{path: path, original: data, mode: info.Mode().Perm()}

	edited := isilentRe.ReplaceAll(data, []byte("${1}1"))
	if bytes.Equal(edited, data) {
		return g, v, nil
	}

	g.changed = true
	if err := os.WriteFile(path, edited, g.mode); err != nil {
		// The write may have truncated the file.
		if rerr := g.Restore(); rerr != nil {
			return nil, Values{}, fmt.Errorf("write settings: %w (restore: %v)", err, rerr)
		}
		return nil, Values{}, fmt.Errorf("write settings: %w", err)
	}
	return g, v, nil
}

// Restore writes the original settings back. Only the first call does any
// work; later calls return its result.
func (g *Guard) Restore() error {
	g.once.Do(func() {
		if !g.changed {
			return
		}
		if err := os.WriteFile(g.path, g.original, g.mode); err != nil {
			g.err = fmt.Errorf("restore settings: %w", err)
		}
	})
	return g.err
}
