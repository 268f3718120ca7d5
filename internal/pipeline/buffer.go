package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Buffer is an append-only byte buffer for one captured output stream.
// Its length never decreases, and Len never blocks.
type Buffer struct {
	mu   sync.RWMutex
	data []byte
	n    atomic.Int64
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Write appends p to the buffer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	b.n.Store(int64(len(b.data)))
	return len(p), nil
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int {
	return int(b.n.Load())
}

// Slice returns the half-open byte range [start, end).
func (b *Buffer) Slice(start, end int) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if start < 0 || end < start || end > len(b.data) {
		return "", fmt.Errorf("%w: [%d, %d) not within [0, %d]", ErrRange, start, end, len(b.data))
	}
	return string(b.data[start:end]), nil
}

// String returns the full buffer contents.
func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return string(b.data)
}

// Tail returns at most n trailing bytes.
func (b *Buffer) Tail(n int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 {
		return ""
	}
	if n >= len(b.data) {
		return string(b.data)
	}
	return string(b.data[len(b.data)-n:])
}
