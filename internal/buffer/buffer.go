// Package buffer implements the GWBUF-equivalent packet buffer: a byte
// payload representing one MySQL command packet (or a contiguous run of
// them), carrying a unique id for prepared-statement correlation, a slot
// for the attached classifier result, and an ordered list of hints
// (spec.md §3).
package buffer

import (
	"sync/atomic"

	"github.com/sqlrelay/sqlrelay/internal/hint"
)

var nextID uint64

// NextID returns a process-wide monotonically increasing buffer id.
func NextID() uint64 {
	return atomic.AddUint64(&nextID, 1)
}

// ClassifierInfo is attached to a Buffer once the classifier has produced
// a result for it (see internal/classifier.StmtResult / QueryInfo). It is
// declared as an empty interface here to avoid a dependency cycle between
// buffer and classifier; the classifier package defines the concrete type
// and type-asserts it back out.
type ClassifierInfo any

// Buffer is one MySQL command packet (or a multi-part continuation chain)
// moving through the session/filter/router pipeline.
type Buffer struct {
	ID    uint64
	Data  []byte
	Hints []hint.Hint

	// Info holds the classifier's attached result, if any. Once two
	// owners have observed it, it must not be mutated in place — only
	// grown via the classifier's collect API (spec.md §3 invariants).
	Info ClassifierInfo

	// MultiPartPacket is true when Data's length equals 2^24-1, meaning
	// a continuation packet follows (spec.md §6).
	MultiPartPacket bool
}

// New wraps data in a fresh Buffer with a new unique id.
func New(data []byte) *Buffer {
	return &Buffer{
		ID:              NextID(),
		Data:            data,
		MultiPartPacket: len(data) == 1<<24-1,
	}
}

// Len returns the payload length.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// AddHint appends a hint parsed from this buffer's SQL comment.
func (b *Buffer) AddHint(h hint.Hint) {
	b.Hints = append(b.Hints, h)
}
