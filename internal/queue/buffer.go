// Package queue holds outbound commands issued while the transport is down.
package queue

import (
	"time"

	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/pkg/protocol"
)

// DefaultTTL is how long a queued command stays eligible for replay.
const DefaultTTL = 5 * time.Minute

// Entry is one queued outbound command.
type Entry struct {
	Name       protocol.Name
	Payload    any
	EnqueuedAt time.Time
	// Reply, when set, is resolved with the command's eventual ack or with
	// core.ErrCommandExpired if the entry ages out.
	Reply core.ReplyFunc
}

// Age returns how long the entry has been queued at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}

// Buffer is a FIFO of entries bounded by age, not by count. It does not
// reorder or de-duplicate; callers queue idempotent commands.
type Buffer struct {
	ttl     time.Duration
	entries []Entry
}

// New returns an empty buffer. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration) *Buffer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Buffer{ttl: ttl}
}

// TTL returns the buffer's time-to-live.
func (b *Buffer) TTL() time.Duration {
	return b.ttl
}

// Enqueue appends e.
func (b *Buffer) Enqueue(e Entry) {
	b.entries = append(b.entries, e)
}

// Len returns the number of queued entries.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// Flush empties the buffer. Entries aged TTL or more at now are returned as
// expired; the rest are returned as valid, in enqueue order.
func (b *Buffer) Flush(now time.Time) (valid, expired []Entry) {
	for _, e := range b.entries {
		if e.Age(now) >= b.ttl {
			expired = append(expired, e)
			continue
		}
		valid = append(valid, e)
	}
	b.entries = nil
	return valid, expired
}

// Drain empties the buffer and returns everything it held, regardless of age.
func (b *Buffer) Drain() []Entry {
	out := b.entries
	b.entries = nil
	return out
}

// Clear discards every queued entry without resolving its reply.
func (b *Buffer) Clear() {
	b.entries = nil
}
