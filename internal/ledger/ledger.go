// Package ledger keeps the correspondence between submitted commands and the
// spans of captured output they produced.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mwfn-driver/internal/monitor"
)

var (
	// ErrIndex is returned for a record index outside the ledger.
	ErrIndex = errors.New("record index out of range")

	// ErrInconsistent is returned when a new span does not continue the
	// previous one. It indicates a bug in the caller.
	ErrInconsistent = errors.New("ledger invariant violated")
)

// lineMarker replaces line terminators in recorded command text.
const lineMarker = "!"

var lineTerminators = strings.NewReplacer("\r\n", lineMarker, "\n", lineMarker, "\r", lineMarker)

// Span is a half-open byte range [Start, End) of the primary output.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes in the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Record is one executed command. Records are immutable once created.
type Record struct {
	Index     int              `json:"index"`
	Command   string           `json:"command"`
	Span      Span             `json:"span"`
	History   []monitor.Sample `json:"history"`
	Artifacts []string         `json:"artifacts,omitempty"`
	Started   time.Time        `json:"started"`
	Finished  time.Time        `json:"finished"`
}

// Duration returns how long the command took to go idle.
func (r Record) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Entry holds the inputs for a new record.
type Entry struct {
	Command   string
	Start     int
	End       int
	History   []monitor.Sample
	Artifacts []string
	Started   time.Time
	Finished  time.Time
}

// Ledger is an append-only list of records. It has a single writer and any
// number of concurrent readers.
type Ledger struct {
	mu      sync.RWMutex
	records []Record
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// NormalizeCommand replaces line terminators with a visible marker.
func NormalizeCommand(command string) string {
	return lineTerminators.Replace(command)
}

// Record appends a record for e. The span must start where the previous one
// ended, or at 0 for the first record.
func (l *Ledger) Record(e Entry) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevEnd := 0
	if n := len(l.records); n > 0 {
		prevEnd = l.records[n-1].Span.End
	}
	if e.Start != prevEnd {
		return Record{}, fmt.Errorf("%w: span starts at %d, previous ended at %d", ErrInconsistent, e.Start, prevEnd)
	}
	if e.End < e.Start {
		return Record{}, fmt.Errorf("%w: span [%d, %d) ends before it starts", ErrInconsistent, e.Start, e.End)
	}

	rec := Record{
		Index:     len(l.records),
		Command:   NormalizeCommand(e.Command),
		Span:      Span{Start: e.Start, End: e.End},
		History:   e.History,
		Artifacts: e.Artifacts,
		Started:   e.Started,
		Finished:  e.Finished,
	}
	l.records = append(l.records, rec)
	return rec, nil
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// At returns the record at index i.
func (l *Ledger) At(i int) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if i < 0 || i >= len(l.records) {
		return Record{}, fmt.Errorf("%w: %d not in [0, %d)", ErrIndex, i, len(l.records))
	}
	return l.records[i], nil
}

// End returns where the last span ended, or 0 if the ledger is empty.
func (l *Ledger) End() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.records) == 0 {
		return 0
	}
	return l.records[len(l.records)-1].Span.End
}

// Records returns a snapshot of all records in submission order.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Record, len(l.records))
	copy(result, l.records)
	return result
}
