// Package continuity turns a raw, possibly gappy and overlapping block feed
// into a gap free stream verified by parent hash.
//
// Holes are back-filled from the same source at the same commitment level.
// Nested holes are tracked on an explicit work stack, so a source that keeps
// returning incomplete ranges fails with ErrSourceTooFarBehind instead of
// recursing forever. A block that does not chain onto the verified prefix
// ends the stream with a KindForked outcome.
package continuity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/indexing/recovery"
	"github.com/vietddude/chainsync/internal/indexing/stream"
)

const (
	DefaultMaxGapDepth    = 10
	DefaultForkProbeDepth = 10
)

// Options tune the enforcer.
type Options struct {
	MaxGapDepth    int
	ForkProbeDepth int // 0 disables probing
	Retry          recovery.RetryStrategy
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxGapDepth <= 0 {
		o.MaxGapDepth = DefaultMaxGapDepth
	}
	if o.ForkProbeDepth < 0 {
		o.ForkProbeDepth = 0
	}
	if o.Retry == nil {
		o.Retry = recovery.DefaultBackoff(nil)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Opener creates enforced streams over a raw source.
type Opener struct {
	Source  RawSource
	Options Options
}

// Open implements stream.Opener.
func (o *Opener) Open(ctx context.Context, req domain.StreamRequest) (stream.Stream, error) {
	return NewEnforcer(ctx, o.Source, req, o.Options)
}

// frame is one level of the back-fill work stack.
type frame struct {
	blocks []domain.Block
	pos    int
	depth  int
}

// Enforcer is a stream.Stream over a RawSource.
type Enforcer struct {
	stream.Cursor

	src  RawSource
	iter RawIterator
	opts Options
	log  *slog.Logger

	// next is the number of the next block to accept and parentHash the hash
	// it must reference. An empty parentHash accepts any parent.
	next       uint64
	parentHash string

	pending  *stream.Result
	terminal *stream.Result
}

// NewEnforcer opens the raw source at req.
func NewEnforcer(ctx context.Context, src RawSource, req domain.StreamRequest, opts Options) (*Enforcer, error) {
	opts = opts.withDefaults()
	iter, err := src.Open(ctx, RangeRequest{From: req.From, To: req.To, ParentHash: req.ParentHash})
	if err != nil {
		return nil, fmt.Errorf("open raw source at %d: %w", req.From, err)
	}
	return &Enforcer{
		Cursor:     stream.NewCursor(req),
		src:        src,
		iter:       iter,
		opts:       opts,
		log:        opts.Logger.With("component", "continuity"),
		next:       req.From,
		parentHash: req.ParentHash,
	}, nil
}

// Next implements stream.Stream.
func (e *Enforcer) Next(ctx context.Context) (stream.Result, error) {
	if e.terminal != nil {
		return *e.terminal, nil
	}
	if e.pending != nil {
		e.terminal, e.pending = e.pending, nil
		return *e.terminal, nil
	}
	if e.Done() {
		return e.finish(), nil
	}

	raw, ok, err := e.iter.Next(ctx)
	if err != nil {
		return stream.Result{}, err
	}
	if !ok {
		if e.Done() {
			return e.finish(), nil
		}
		last, _ := e.Last()
		return stream.Result{}, fmt.Errorf("%w: last block %d", ErrSourceEnded, last)
	}

	out, fork, err := e.accept(ctx, raw)
	if err != nil {
		return stream.Result{}, err
	}
	// A finalized head seen next to a diverging branch is not trusted.
	fin := raw.FinalizedHead
	if fork != nil {
		fin = nil
	}
	e.Advance(out, fin)

	if fork != nil {
		res := e.forked(ctx, fork, raw.Commitment)
		if len(out) == 0 {
			e.terminal = &res
			return res, nil
		}
		e.pending = &res
	}

	return stream.Result{
		Kind:          stream.KindBatch,
		Blocks:        out,
		FinalizedHead: e.FinalizedHead(),
	}, nil
}

// Close implements stream.Stream.
func (e *Enforcer) Close() error {
	return e.iter.Close()
}

func (e *Enforcer) finish() stream.Result {
	res := stream.Result{Kind: stream.KindFinished, FinalizedHead: e.FinalizedHead()}
	e.terminal = &res
	return res
}

// accept scans a raw batch and returns the verified blocks it contributes.
// On divergence it returns the prefix accepted so far and the fork.
func (e *Enforcer) accept(ctx context.Context, raw RawBatch) ([]domain.Block, *ForkError, error) {
	end, bounded := e.End()
	var out []domain.Block

	stack := []frame{{blocks: raw.Blocks}}
	for len(stack) > 0 {
		top := len(stack) - 1
		f := &stack[top]
		if f.pos == len(f.blocks) {
			stack = stack[:top]
			continue
		}
		b := f.blocks[f.pos]

		switch {
		case bounded && b.Number > end:
			f.pos++

		case b.Number > 0 && b.Number+1 == e.next && e.parentHash != "" && b.Hash != e.parentHash:
			// the last verified block was replaced
			return out, &ForkError{
				LastGoodHash: e.parentHash,
				Conflict:     b.Ref(),
				Candidate:    b.ParentRef(),
			}, nil

		case b.Number < e.next:
			f.pos++

		case b.Number > e.next:
			depth := f.depth + 1
			if depth > e.opts.MaxGapDepth {
				return out, nil, fmt.Errorf("%w: hole [%d, %d] still open after %d nested fills",
					ErrSourceTooFarBehind, e.next, b.Number-1, e.opts.MaxGapDepth)
			}
			fill, err := e.fill(ctx, e.next, b.Number-1, raw.Commitment)
			if err != nil {
				return out, nil, err
			}
			stack = append(stack, frame{blocks: fill, depth: depth})

		default:
			if e.parentHash != "" && b.ParentHash != e.parentHash {
				return out, &ForkError{
					LastGoodHash: e.parentHash,
					Conflict:     b.Ref(),
					Candidate:    b.ParentRef(),
				}, nil
			}
			out = append(out, b)
			e.parentHash = b.Hash
			e.next = b.Number + 1
			f.pos++
		}
	}
	return out, nil, nil
}

// fill fetches [from, to]. A result that does not start at from cannot make
// progress and is retried as a consistency error.
func (e *Enforcer) fill(ctx context.Context, from, to uint64, c domain.Commitment) ([]domain.Block, error) {
	metrics.GapFills.Inc()
	e.log.Debug("Filling gap", "from", from, "to", to, "commitment", c)

	var blocks []domain.Block
	err := recovery.Retry(ctx, e.opts.Retry, func(ctx context.Context) error {
		got, err := drain(ctx, e.src, RangeRequest{From: from, To: &to, Commitment: c})
		if err != nil {
			return err
		}
		if len(got) == 0 || got[0].Number != from {
			return recovery.Consistency("range [%d, %d] returned %d blocks not starting at %d",
				from, to, len(got), from)
		}
		blocks = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fill [%d, %d]: %w", from, to, err)
	}
	return blocks, nil
}

// forked builds the terminal outcome for a divergence. The forked list is
// the longest contiguous run of on-chain blocks ending near the conflict,
// or just [candidate, conflict] when probing is off or fails.
func (e *Enforcer) forked(ctx context.Context, fork *ForkError, c domain.Commitment) stream.Result {
	e.log.Warn("Chain diverged",
		"conflict", fork.Conflict,
		"candidate", fork.Candidate,
		"last_good", fork.LastGoodHash,
	)
	return stream.Result{
		Kind:          stream.KindForked,
		Forked:        e.probe(ctx, fork, c),
		FinalizedHead: e.FinalizedHead(),
		Cause:         fork,
	}
}

func (e *Enforcer) probe(ctx context.Context, fork *ForkError, c domain.Commitment) []domain.BlockRef {
	fallback := []domain.BlockRef{fork.Candidate, fork.Conflict}
	if e.opts.ForkProbeDepth == 0 {
		return fallback
	}

	to := fork.Conflict.Number
	from := uint64(0)
	if to > uint64(e.opts.ForkProbeDepth) {
		from = to - uint64(e.opts.ForkProbeDepth)
	}
	blocks, err := drain(ctx, e.src, RangeRequest{From: from, To: &to, Commitment: c})
	if err != nil {
		e.log.Warn("Fork probe failed", "from", from, "to", to, "error", err)
		return fallback
	}

	i := len(blocks) - 1
	for i > 0 && domain.IsParent(blocks[i-1].Ref(), blocks[i]) {
		i--
	}
	if i < 0 || len(blocks)-i < 2 {
		return fallback
	}
	return domain.Refs(blocks[i:])
}
