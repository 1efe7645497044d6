// Package reorg finds where to resume after a stream ended on a fork.
//
// # Design: No Extra RPC
//
// The stream already reports a short list of blocks currently on chain (the
// "forked" list). The search only compares that list with what the database
// committed:
//   - Walk the committed unfinalized refs from the top down
//   - Pop forked entries that the walk has passed or that disagree
//   - The first (number, hash) present on both sides is the fork base
//
// # Fallbacks
//
//  1. No common unfinalized ref: compare with the finalized head
//  2. Finalized head inside or above the forked list: resume there
//  3. Finalized head below the list and the chain finalized past it: fatal
//  4. Otherwise the upstream view is skewed: resume where the stream stopped
//  5. Nothing finalized and nothing matched: resync from scratch
//
// # Usage
//
//	base, err := reorg.FindForkBase(ctx, db, res.Forked, stream.FinalizedHead(), last)
//	if err != nil {
//	    // finalized state is not on the reported chain
//	}
//	// reopen the stream at base.Number+1 with parent base.Hash
package reorg

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// ErrFinalizedNotOnChain is returned when the committed finalized head is not
// part of the chain the source reports as finalized.
var ErrFinalizedNotOnChain = errors.New("finalized block not found on reported chain")

// Reader is the part of the database the search needs.
type Reader interface {
	GetFinalizedHead(ctx context.Context) (*domain.BlockRef, error)
	GetUnfinalizedBlocks(ctx context.Context, top uint64) ([]domain.BlockRef, error)
}

// Reason tells how a base was found.
type Reason int

const (
	ReasonUnfinalizedMatch Reason = iota
	ReasonFinalizedHead
	ReasonUpstreamSkew
	ReasonResync
)

func (r Reason) String() string {
	switch r {
	case ReasonUnfinalizedMatch:
		return "unfinalized_match"
	case ReasonFinalizedHead:
		return "finalized_head"
	case ReasonUpstreamSkew:
		return "upstream_skew"
	case ReasonResync:
		return "resync"
	default:
		return "unknown"
	}
}

// Base is a resumption point. Number is -1 for a full resync.
type Base struct {
	Number int64
	Hash   string
	Reason Reason
}

// NeedsRollback reports whether resuming at b discards committed blocks above it.
func (b Base) NeedsRollback() bool { return b.Reason != ReasonUpstreamSkew }

// Last is where the stream stopped: number and hash of the last yielded block.
type Last struct {
	Number int64
	Hash   string
}

// FindForkBase computes the resumption point after a fork. forked must be
// ascending and non-empty.
func FindForkBase(
	ctx context.Context,
	db Reader,
	forked []domain.BlockRef,
	streamFinalized *domain.BlockRef,
	last Last,
) (Base, error) {
	if len(forked) == 0 {
		return Base{}, errors.New("empty forked list")
	}

	match, err := matchUnfinalized(ctx, db, forked)
	if err != nil {
		return Base{}, err
	}
	if match != nil {
		return Base{Number: int64(match.Number), Hash: match.Hash, Reason: ReasonUnfinalizedMatch}, nil
	}

	fin, err := db.GetFinalizedHead(ctx)
	if err != nil {
		return Base{}, fmt.Errorf("failed to get finalized head: %w", err)
	}
	if fin == nil {
		return Base{Number: -1, Reason: ReasonResync}, nil
	}

	if fin.Number >= forked[0].Number {
		i := domain.SearchRefs(forked, fin.Number)
		if i < len(forked) && forked[i].Number == fin.Number && forked[i].Hash != fin.Hash {
			return Base{}, fmt.Errorf("%w: finalized %s, chain has %s", ErrFinalizedNotOnChain, *fin, forked[i])
		}
		return Base{Number: int64(fin.Number), Hash: fin.Hash, Reason: ReasonFinalizedHead}, nil
	}

	if streamFinalized != nil && streamFinalized.Number > fin.Number {
		return Base{}, fmt.Errorf("%w: finalized %s, source finalized %s, forked from %s",
			ErrFinalizedNotOnChain, *fin, *streamFinalized, forked[0])
	}
	return Base{Number: last.Number, Hash: last.Hash, Reason: ReasonUpstreamSkew}, nil
}

// matchUnfinalized walks committed unfinalized refs downward, popping the
// forked tail as it goes, and returns the first common ref.
func matchUnfinalized(ctx context.Context, db Reader, forked []domain.BlockRef) (*domain.BlockRef, error) {
	tail := forked
	top := tail[len(tail)-1].Number

	for len(tail) > 0 {
		refs, err := db.GetUnfinalizedBlocks(ctx, top)
		if err != nil {
			return nil, fmt.Errorf("failed to get unfinalized blocks below %d: %w", top, err)
		}
		if len(refs) == 0 {
			return nil, nil
		}

		for _, r := range refs {
			for len(tail) > 0 && tail[len(tail)-1].Number > r.Number {
				tail = tail[:len(tail)-1]
			}
			if len(tail) == 0 {
				return nil, nil
			}
			if t := tail[len(tail)-1]; t.Number == r.Number {
				if t.Hash == r.Hash {
					return domain.RefPtr(r), nil
				}
				tail = tail[:len(tail)-1]
			}
		}

		lowest := refs[len(refs)-1].Number
		if lowest == 0 || lowest > top {
			return nil, nil
		}
		top = lowest - 1
	}
	return nil, nil
}
