package pipeline

import (
	"fmt"
	"testing"
	"time"
)

func chunk(id int) OutputEvent {
	return OutputEvent{
		Type:      OutputStdout,
		Data:      fmt.Sprintf("chunk-%d", id),
		Timestamp: time.Now().UTC(),
	}
}

func TestRing_Empty(t *testing.T) {
	r := NewRing[OutputEvent](10)
	if got := r.Items(); len(got) != 0 {
		t.Errorf("expected empty ring, got %d items", len(got))
	}
}

func TestRing_PartialFill(t *testing.T) {
	r := NewRing[OutputEvent](10)
	for i := 0; i < 5; i++ {
		r.Push(chunk(i))
	}

	events := r.Items()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if want := fmt.Sprintf("chunk-%d", i); e.Data != want {
			t.Errorf("event %d: expected %s, got %s", i, want, e.Data)
		}
	}
}

func TestRing_Overflow(t *testing.T) {
	r := NewRing[OutputEvent](5)
	for i := 0; i < 8; i++ {
		r.Push(chunk(i))
	}

	events := r.Items()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	// Oldest three were evicted.
	for i, e := range events {
		if want := fmt.Sprintf("chunk-%d", i+3); e.Data != want {
			t.Errorf("event %d: expected %s, got %s", i, want, e.Data)
		}
	}
}

func TestRing_ExactCapacity(t *testing.T) {
	r := NewRing[int](3)
	for i := 0; i < 3; i++ {
		r.Push(i)
	}
	got := r.Items()
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("unexpected items %v", got)
	}
}

func TestRing_ZeroCapacity(t *testing.T) {
	r := NewRing[int](0)
	r.Push(1)
	r.Push(2)
	if got := r.Items(); len(got) != 1 || got[0] != 2 {
		t.Errorf("expected [2], got %v", got)
	}
}
