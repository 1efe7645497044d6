package stream

import (
	"github.com/vietddude/chainsync/internal/core/domain"
)

// Cursor holds the side state every stream implementation exposes. Embed it
// and call Advance after each yielded batch.
type Cursor struct {
	lastNumber int64
	lastHash   string
	finalized  *domain.BlockRef
	to         *uint64
}

// NewCursor starts a cursor at the request's resumption point.
func NewCursor(req domain.StreamRequest) Cursor {
	return Cursor{
		lastNumber: int64(req.From) - 1,
		lastHash:   req.ParentHash,
		to:         req.To,
	}
}

// Advance records a yielded batch and an optional finalized head. The
// finalized head never moves backwards.
func (c *Cursor) Advance(blocks []domain.Block, finalized *domain.BlockRef) {
	if n := len(blocks); n > 0 {
		c.lastNumber = int64(blocks[n-1].Number)
		c.lastHash = blocks[n-1].Hash
	}
	c.ObserveFinalized(finalized)
}

// ObserveFinalized raises the finalized head if ref is above it.
func (c *Cursor) ObserveFinalized(ref *domain.BlockRef) {
	if ref == nil {
		return
	}
	if c.finalized == nil || ref.Number > c.finalized.Number {
		c.finalized = domain.RefPtr(*ref)
	}
}

// Last implements Stream.
func (c *Cursor) Last() (int64, string) { return c.lastNumber, c.lastHash }

// FinalizedHead implements Stream.
func (c *Cursor) FinalizedHead() *domain.BlockRef {
	if c.finalized == nil {
		return nil
	}
	return domain.RefPtr(*c.finalized)
}

// Done reports whether the requested range was both delivered and finalized.
// Open ended requests are never done.
func (c *Cursor) Done() bool {
	if c.to == nil {
		return false
	}
	return c.lastNumber >= int64(*c.to) &&
		c.finalized != nil && c.finalized.Number >= *c.to
}

// End returns the inclusive upper bound of the request, if any.
func (c *Cursor) End() (uint64, bool) {
	if c.to == nil {
		return 0, false
	}
	return *c.to, true
}
