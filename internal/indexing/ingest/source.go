package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/continuity"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/indexing/ordered"
	"github.com/vietddude/chainsync/internal/indexing/recovery"
)

// Source implements continuity.RawSource over a Fetcher.
type Source struct {
	fetcher  Fetcher
	sub      Subscription
	progress Progress
	cfg      Config
	logger   *slog.Logger
}

// NewSource creates a source. sub defaults to polling the fetcher.
func NewSource(fetcher Fetcher, sub Subscription, cfg Config) *Source {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("component", "ingest", "chain", cfg.Chain)
	if sub == nil {
		sub = &PollingSubscription{Fetcher: fetcher, Interval: cfg.PollInterval, Logger: logger}
	}
	return &Source{fetcher: fetcher, sub: sub, cfg: cfg, logger: logger}
}

// WithProgress records completed cold splits in p.
func (s *Source) WithProgress(p Progress) *Source {
	s.progress = p
	return s
}

// Open implements continuity.RawSource. A bounded request with an explicit
// commitment is a plain ranged read; anything else is a cold then hot stream.
func (s *Source) Open(ctx context.Context, req continuity.RangeRequest) (continuity.RawIterator, error) {
	if req.To != nil && req.Commitment != "" {
		return &rangeIterator{s: s, next: req.From, to: *req.To, commitment: req.Commitment}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	it := &streamIterator{
		results: make(chan iterResult),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(it.done)
		defer close(it.results)
		err := s.run(ctx, req, it.emit(ctx))
		if err != nil && ctx.Err() == nil {
			select {
			case it.results <- iterResult{err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return it, nil
}

type emitFunc func(batch continuity.RawBatch) error

// run drives one stream: cold rounds while the finalized range is at least a
// stride long, then hot.
func (s *Source) run(ctx context.Context, req continuity.RangeRequest, emit emitFunc) error {
	next := req.From
	var seed *domain.Block

	for {
		fin, err := s.head(ctx, domain.CommitmentFinalized)
		if err != nil {
			return err
		}
		end := fin.Number
		if req.To != nil && *req.To < end {
			end = *req.To
		}
		if next > end {
			break
		}
		if seed != nil && end-next+1 < s.cfg.Stride {
			break
		}

		last, err := s.cold(ctx, next, end, fin, emit)
		if err != nil {
			return err
		}
		seed = &last
		next = end + 1
	}

	if req.To != nil && next > *req.To {
		if seed == nil {
			return s.settle(ctx, *req.To, emit)
		}
		s.logger.Debug("Range delivered from finalized history", "to", *req.To)
		return nil
	}
	h := &hotLoop{s: s, req: req, next: next}
	return h.run(ctx, seed, emit)
}

// cold delivers [from, to] from finalized history in stride sized splits.
func (s *Source) cold(ctx context.Context, from, to uint64, fin domain.BlockRef, emit emitFunc) (domain.Block, error) {
	parts := splits(from, to, s.cfg.Stride)
	s.logger.Info("Cold ingestion", "from", from, "to", to, "splits", len(parts))

	var last domain.Block
	err := ordered.Map(ctx, s.cfg.Concurrency, parts, s.fetchSplit,
		func(ctx context.Context, blocks []domain.Block) error {
			last = blocks[len(blocks)-1]
			if s.progress != nil {
				if err := s.progress.SplitDone(ctx, blocks[0].Number, last.Number); err != nil {
					s.logger.Warn("Failed to record split progress", "error", err)
				}
			}
			return emit(continuity.RawBatch{
				Blocks:        blocks,
				Commitment:    domain.CommitmentFinalized,
				FinalizedHead: domain.RefPtr(fin),
			})
		})
	return last, err
}

// settle handles a request that starts past its end, i.e. a range delivered
// by an earlier stream. Once the node finalized the last block it is
// delivered again as the finalized head, so the consumer either finishes or
// sees that the block was replaced.
func (s *Source) settle(ctx context.Context, to uint64, emit emitFunc) error {
	for {
		fin, err := s.head(ctx, domain.CommitmentFinalized)
		if err != nil {
			return err
		}
		if fin.Number >= to {
			break
		}
		s.logger.Debug("Waiting for the range to finalize", "to", to, "finalized", fin.Number)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}

	var last domain.Block
	err := recovery.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		got, err := s.blocks(ctx, to, to)
		if err != nil {
			return err
		}
		if len(got) == 0 {
			return recovery.Consistency("finalized block %d not available", to)
		}
		last = got[0]
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle %d: %w", to, err)
	}
	return emit(continuity.RawBatch{
		Blocks:        []domain.Block{last},
		Commitment:    domain.CommitmentFinalized,
		FinalizedHead: domain.RefPtr(last.Ref()),
	})
}

// fetchSplit fetches a finalized split. Finalized data must be complete, so a
// short result is a consistency error.
func (s *Source) fetchSplit(ctx context.Context, sp split) ([]domain.Block, error) {
	start := time.Now()
	defer func() {
		metrics.SplitDuration.WithLabelValues(s.cfg.Chain).Observe(time.Since(start).Seconds())
	}()

	var blocks []domain.Block
	err := recovery.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		got, err := s.blocks(ctx, sp.from, sp.to)
		if err != nil {
			return err
		}
		if want := sp.to - sp.from + 1; uint64(len(got)) != want {
			return recovery.Consistency("split [%d, %d] returned %d of %d blocks", sp.from, sp.to, len(got), want)
		}
		blocks = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("split [%d, %d]: %w", sp.from, sp.to, err)
	}
	return blocks, nil
}

// head and blocks retry network errors until they succeed or ctx ends.
// Consistency errors are returned to the caller.

func (s *Source) head(ctx context.Context, c domain.Commitment) (domain.BlockRef, error) {
	var ref domain.BlockRef
	err := s.call(ctx, "head", func(ctx context.Context) error {
		var err error
		ref, err = s.fetcher.Head(ctx, c)
		return err
	})
	return ref, err
}

func (s *Source) blocks(ctx context.Context, from, to uint64) ([]domain.Block, error) {
	var blocks []domain.Block
	err := s.call(ctx, "blocks", func(ctx context.Context) error {
		var err error
		blocks, err = s.fetcher.Blocks(ctx, from, to)
		return err
	})
	return blocks, err
}

func (s *Source) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil || errors.Is(err, recovery.ErrDataConsistency) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("Fetch failed, retrying", "op", op, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

type iterResult struct {
	batch continuity.RawBatch
	err   error
}

// streamIterator hands batches from the producing goroutine to the caller.
// The channel is unbuffered: the producer waits until the consumer pulls.
type streamIterator struct {
	results chan iterResult
	cancel  context.CancelFunc
	done    chan struct{}
}

func (it *streamIterator) emit(ctx context.Context) emitFunc {
	return func(batch continuity.RawBatch) error {
		select {
		case it.results <- iterResult{batch: batch}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (it *streamIterator) Next(ctx context.Context) (continuity.RawBatch, bool, error) {
	select {
	case r, ok := <-it.results:
		if !ok {
			return continuity.RawBatch{}, false, nil
		}
		if r.err != nil {
			return continuity.RawBatch{}, false, r.err
		}
		return r.batch, true, nil
	case <-ctx.Done():
		return continuity.RawBatch{}, false, ctx.Err()
	}
}

func (it *streamIterator) Close() error {
	it.cancel()
	<-it.done
	return nil
}

// rangeIterator reads a bounded range at a fixed commitment, one stride per
// batch. It stops early when the node returns a short result.
type rangeIterator struct {
	s          *Source
	next, to   uint64
	commitment domain.Commitment
	done       bool
}

func (it *rangeIterator) Next(ctx context.Context) (continuity.RawBatch, bool, error) {
	if it.done || it.next > it.to {
		return continuity.RawBatch{}, false, nil
	}
	end := it.to
	if it.to-it.next >= it.s.cfg.Stride {
		end = it.next + it.s.cfg.Stride - 1
	}
	blocks, err := it.s.blocks(ctx, it.next, end)
	if err != nil {
		return continuity.RawBatch{}, false, err
	}
	if uint64(len(blocks)) < end-it.next+1 || end == it.to {
		it.done = true
	}
	it.next = end + 1
	return continuity.RawBatch{Blocks: blocks, Commitment: it.commitment}, true, nil
}

func (it *rangeIterator) Close() error { return nil }
