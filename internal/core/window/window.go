// Package window keeps a bounded, reorg tolerant view of the most recent
// chain segment with a movable finalization boundary.
//
// Blocks below the boundary are immutable: a reorg can only replace blocks at
// or above it, and only Compact removes the ones below. The window is not safe
// for concurrent use; the hot ingestion loop owns it exclusively.
//
//	w := window.NewFromFinalized(finalizedBlock, 1000)
//	if err := w.Push(block); err != nil {
//	    // caller pushed a block whose parent is not buffered
//	}
//	w.Finalize(ref)
//	if !w.Compact() {
//	    // finality lags behind, stop fetching until it advances
//	}
package window

import (
	"errors"
	"fmt"

	"github.com/vietddude/chainsync/internal/core/domain"
)

var (
	// ErrNotParent is returned when a pushed block does not extend the
	// buffered block preceding it.
	ErrNotParent = errors.New("pushed block is not a child of the buffered predecessor")

	// ErrFinalizeMismatch is returned when a finalized position is not buffered
	// with exactly the same hash.
	ErrFinalizeMismatch = errors.New("finalized block does not match the window")
)

// Window is an ordered buffer of blocks with strictly increasing numbers.
type Window struct {
	blocks         []domain.Block
	finalizedIndex int
	maxSize        int

	// finalized survives compaction so stale blocks can still be recognised
	// after every finalized entry was trimmed.
	finalized *domain.BlockRef
}

// New creates an empty window.
func New(maxSize int) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Window{maxSize: maxSize}
}

// NewFromFinalized creates a window seeded with an already finalized block.
func NewFromFinalized(head domain.Block, maxSize int) *Window {
	w := New(maxSize)
	w.blocks = append(w.blocks, head)
	w.finalizedIndex = 1
	w.finalized = domain.RefPtr(head.Ref())
	return w
}

// Push adds a block observed on chain.
//
// A block extending the tip is appended. A block at or below the finalized
// head is ignored. Any other block replaces the buffered suffix starting at its
// number, which requires the buffered predecessor to be its parent.
func (w *Window) Push(block domain.Block) error {
	if tip, ok := w.Tip(); ok && domain.IsParent(tip.Ref(), block) {
		w.blocks = append(w.blocks, block)
		return nil
	}

	if w.finalized != nil && block.Number <= w.finalized.Number {
		return nil
	}

	idx := domain.SearchBlocks(w.blocks, block.Number)
	if idx > 0 {
		prev := w.blocks[idx-1]
		if !domain.IsParent(prev.Ref(), block) {
			return fmt.Errorf("%w: block %s has parent %s, buffered %s",
				ErrNotParent, block.Ref(), block.ParentRef(), prev.Ref())
		}
	} else if w.finalized != nil && !domain.IsParent(*w.finalized, block) {
		return fmt.Errorf("%w: block %s has parent %s, finalized %s",
			ErrNotParent, block.Ref(), block.ParentRef(), *w.finalized)
	}

	w.blocks = append(w.blocks[:idx], block)
	return nil
}

// Compact trims the oldest finalized entries while the window exceeds its
// size bound. It returns false when finalization has not advanced far enough
// to satisfy the bound; callers treat that as backpressure.
func (w *Window) Compact() bool {
	extra := len(w.blocks) - w.maxSize
	if extra <= 0 {
		return true
	}
	n := min(extra, w.finalizedIndex)
	if n > 0 {
		w.blocks = append(w.blocks[:0], w.blocks[n:]...)
		w.finalizedIndex -= n
	}
	return n == extra
}

// Finalize moves the finalization boundary to the buffered block matching ref.
// It reports whether the boundary advanced. A ref above the finalized head
// that is not buffered with the same hash is a consistency error.
func (w *Window) Finalize(ref domain.BlockRef) (bool, error) {
	if w.finalized != nil && ref.Number <= w.finalized.Number {
		if ref.Number == w.finalized.Number && ref.Hash != w.finalized.Hash {
			return false, fmt.Errorf("%w: %s conflicts with finalized %s",
				ErrFinalizeMismatch, ref, *w.finalized)
		}
		return false, nil
	}

	idx := domain.SearchBlocks(w.blocks, ref.Number)
	if idx == len(w.blocks) || w.blocks[idx].Number != ref.Number {
		return false, fmt.Errorf("%w: %s is not buffered", ErrFinalizeMismatch, ref)
	}
	if w.blocks[idx].Hash != ref.Hash {
		return false, fmt.Errorf("%w: %s, buffered %s",
			ErrFinalizeMismatch, ref, w.blocks[idx].Ref())
	}

	w.finalizedIndex = idx + 1
	w.finalized = domain.RefPtr(ref)
	return true, nil
}

// FirstBelow returns the latest buffered block with number strictly less
// than the argument.
func (w *Window) FirstBelow(number uint64) (domain.Block, bool) {
	idx := domain.SearchBlocks(w.blocks, number)
	if idx == 0 {
		return domain.Block{}, false
	}
	return w.blocks[idx-1], true
}

// Query returns up to limit buffered blocks with number >= from.
// A non-positive limit returns every such block.
func (w *Window) Query(from uint64, limit int) []domain.Block {
	idx := domain.SearchBlocks(w.blocks, from)
	end := len(w.blocks)
	if limit > 0 && idx+limit < end {
		end = idx + limit
	}
	out := make([]domain.Block, end-idx)
	copy(out, w.blocks[idx:end])
	return out
}

// Tip returns the highest buffered block.
func (w *Window) Tip() (domain.Block, bool) {
	if len(w.blocks) == 0 {
		return domain.Block{}, false
	}
	return w.blocks[len(w.blocks)-1], true
}

// FinalizedHead returns the current finalization boundary, if any.
func (w *Window) FinalizedHead() (domain.BlockRef, bool) {
	if w.finalized == nil {
		return domain.BlockRef{}, false
	}
	return *w.finalized, true
}

// FinalizedIndex returns the number of buffered finalized blocks.
func (w *Window) FinalizedIndex() int { return w.finalizedIndex }

// Len returns the number of buffered blocks.
func (w *Window) Len() int { return len(w.blocks) }
