package engine

import (
	"fmt"

	"bookflow/models"
)

// DeltaBuffer holds deltas in arrival order while an instrument has no usable
// baseline.
type DeltaBuffer struct {
	items []models.Delta
	limit int
}

func NewDeltaBuffer(limit int) *DeltaBuffer {
	return &DeltaBuffer{limit: limit}
}

// Push appends d. It fails with ErrBufferOverflow once the buffer holds limit
// deltas.
func (b *DeltaBuffer) Push(d models.Delta) error {
	if b.limit > 0 && len(b.items) >= b.limit {
		return fmt.Errorf("%w: %d deltas buffered", ErrBufferOverflow, len(b.items))
	}
	b.items = append(b.items, d)
	return nil
}

// DiscardThrough drops every delta whose range ends at or before seq and
// returns how many were dropped.
func (b *DeltaBuffer) DiscardThrough(seq int64) int {
	kept := b.items[:0]
	for _, d := range b.items {
		if d.End > seq {
			kept = append(kept, d)
		}
	}
	dropped := len(b.items) - len(kept)
	// release references held by the tail
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = models.Delta{}
	}
	b.items = kept
	return dropped
}

// Locate returns the position of the first delta covering seq+1, or -1.
func (b *DeltaBuffer) Locate(seq int64) int {
	next := seq + 1
	for i, d := range b.items {
		if d.Start <= next && next <= d.End {
			return i
		}
	}
	return -1
}

// Items exposes the buffered deltas. The slice is only valid until the next
// mutation.
func (b *DeltaBuffer) Items() []models.Delta { return b.items }

func (b *DeltaBuffer) Len() int { return len(b.items) }

func (b *DeltaBuffer) Clear() {
	for i := range b.items {
		b.items[i] = models.Delta{}
	}
	b.items = b.items[:0]
}
