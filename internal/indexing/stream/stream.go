// Package stream defines the contract every ingestion source presents to the
// sync driver.
//
// A Stream is pulled batch by batch. Each call to Next returns exactly one
// outcome:
//
//	KindBatch    - a (possibly empty) list of contiguous blocks
//	KindForked   - the source diverged from the requested chain; Forked holds
//	               a short contiguous list of blocks currently on chain
//	KindFinished - the whole requested range was delivered and finalized
//
// Ordinary network and consistency problems never surface as errors: they are
// retried beneath the stream and show up as empty batches. Next only returns
// an error for context cancellation or a fatal invariant violation.
package stream

import (
	"context"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// Kind discriminates the outcome of Stream.Next.
type Kind int

const (
	KindBatch Kind = iota
	KindForked
	KindFinished
)

func (k Kind) String() string {
	switch k {
	case KindBatch:
		return "batch"
	case KindForked:
		return "forked"
	case KindFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Result is a single outcome of a Stream.
type Result struct {
	Kind   Kind
	Blocks []domain.Block

	// FinalizedHead is the stream's finalized head after this outcome.
	FinalizedHead *domain.BlockRef

	// Forked is set only for KindForked, ascending by number.
	Forked []domain.BlockRef

	// Cause describes the divergence for KindForked.
	Cause error
}

// Stream is a pull based, gap free sequence of block batches.
type Stream interface {
	// Next blocks until the next outcome is available.
	Next(ctx context.Context) (Result, error)

	// Last returns the position of the last yielded block. Before the first
	// block it is (From-1, ParentHash) of the originating request.
	Last() (number int64, hash string)

	// FinalizedHead returns the highest finalized position reported so far.
	FinalizedHead() *domain.BlockRef

	// Close releases the underlying source.
	Close() error
}

// Opener creates a stream for a resumption point.
type Opener interface {
	Open(ctx context.Context, req domain.StreamRequest) (Stream, error)
}

// BlockNumber and BlockHash are the accessors the driver uses so it does not
// depend on how a concrete source builds its blocks.
func BlockNumber(b domain.Block) uint64 { return b.Number }

func BlockHash(b domain.Block) string { return b.Hash }
