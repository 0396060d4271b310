// Package history keeps a bounded window of recent telemetry records.
package history

import (
	"time"

	"bioreactor-monitor/internal/telemetry"
)

// DefaultCapacity holds a little over an hour of 1 Hz samples.
const DefaultCapacity = 4320

// Buffer is a fixed-capacity FIFO ring. It is not safe for concurrent use;
// the owning projector serializes access.
type Buffer struct {
	items []telemetry.Record
	start int
	n     int
}

// New returns an empty buffer holding at most capacity records.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{items: make([]telemetry.Record, capacity)}
}

// Append adds r, evicting the oldest record when full.
func (b *Buffer) Append(r telemetry.Record) {
	c := len(b.items)
	if b.n < c {
		b.items[(b.start+b.n)%c] = r
		b.n++
		return
	}
	b.items[b.start] = r
	b.start = (b.start + 1) % c
}

// Len returns the number of stored records.
func (b *Buffer) Len() int { return b.n }

// Cap returns the capacity.
func (b *Buffer) Cap() int { return len(b.items) }

// Snapshot returns a copy of the records, oldest first.
func (b *Buffer) Snapshot() []telemetry.Record {
	out := make([]telemetry.Record, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}
	return out
}

// Last returns up to n of the newest records, oldest first.
func (b *Buffer) Last(n int) []telemetry.Record {
	if n > b.n {
		n = b.n
	}
	if n <= 0 {
		return nil
	}
	out := make([]telemetry.Record, n)
	off := b.n - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(b.start+off+i)%len(b.items)]
	}
	return out
}

// Since returns the records with timestamps after t, oldest first.
func (b *Buffer) Since(t time.Time) []telemetry.Record {
	// records arrive in time order, so scan back from the newest
	i := b.n
	for i > 0 && b.items[(b.start+i-1)%len(b.items)].Timestamp.After(t) {
		i--
	}
	return b.Last(b.n - i)
}
