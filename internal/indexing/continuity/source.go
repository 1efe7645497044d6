package continuity

import (
	"context"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// RangeRequest asks a raw source for blocks in [From, To].
type RangeRequest struct {
	From       uint64
	To         *uint64 // inclusive, nil = follow the tip
	ParentHash string

	// Commitment pins the view to read from. Empty lets the source choose per
	// batch (finalized history first, then the live tip).
	Commitment domain.Commitment
}

// RawBatch is one unit read from a raw source. Blocks are ascending but may
// overlap earlier batches or leave holes.
type RawBatch struct {
	Blocks        []domain.Block
	Commitment    domain.Commitment
	FinalizedHead *domain.BlockRef
}

// RawIterator yields raw batches. Next returns false once the requested
// range has been delivered; open ended requests never end.
type RawIterator interface {
	Next(ctx context.Context) (RawBatch, bool, error)
	Close() error
}

// RawSource is the chain specific adapter the enforcer reads from. Network
// errors are retried by the source itself; an error returned from Next is
// either a data consistency error or fatal.
type RawSource interface {
	Open(ctx context.Context, req RangeRequest) (RawIterator, error)
}

// drain reads a bounded range to completion.
func drain(ctx context.Context, src RawSource, req RangeRequest) ([]domain.Block, error) {
	it, err := src.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var blocks []domain.Block
	for {
		batch, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return blocks, nil
		}
		for _, b := range batch.Blocks {
			if b.Number < req.From || (req.To != nil && b.Number > *req.To) {
				continue
			}
			if n := len(blocks); n > 0 && b.Number <= blocks[n-1].Number {
				continue
			}
			blocks = append(blocks, b)
		}
		if n := len(blocks); req.To != nil && n > 0 && blocks[n-1].Number >= *req.To {
			return blocks, nil
		}
	}
}
