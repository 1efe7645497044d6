// Package syncer applies a block stream to a database.
//
// Every batch is applied in its own transaction. Before touching anything the
// transaction checks that the database head is still the one the driver last
// committed; a mismatch means a second writer and stops the driver. Batches
// that start at or below the head revert to the resumption point first. The
// rest of the batch is split at the stream's finalized head: the finalized
// prefix is applied permanently, the suffix block by block as revertible hot
// change sets.
//
// When a stream ends on a fork the driver searches the committed history for
// the fork base and reopens the stream there.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/indexing/reorg"
	"github.com/vietddude/chainsync/internal/indexing/stream"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// Handler maps a contiguous run of blocks to entities. It is invoked once for
// the finalized part of each batch and once per unfinalized block.
type Handler func(ctx context.Context, blocks []domain.Block, store storage.Store) error

// Observer receives driver progress. Implementations must not block.
type Observer interface {
	Committed(head, finalized *domain.BlockRef)
	Forked(base reorg.Base)
}

// Config holds driver settings.
type Config struct {
	Chain    string
	From     uint64  // first block synced into an empty database
	To       *uint64 // inclusive, nil = follow the tip
	Logger   *slog.Logger
	Observer Observer
}

// Driver reconciles a stream with a database.
type Driver struct {
	db       storage.Database
	opener   stream.Opener
	handler  Handler
	from     uint64
	to       *uint64
	chain    string
	observer Observer
	logger   *slog.Logger
}

// New creates a driver.
func New(db storage.Database, opener stream.Opener, handler Handler, cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		db:       db,
		opener:   opener,
		handler:  handler,
		from:     cfg.From,
		to:       cfg.To,
		chain:    cfg.Chain,
		observer: cfg.Observer,
		logger:   logger.With("component", "syncer", "chain", cfg.Chain),
	}
}

// counts are per transaction and only reported after commit.
type counts struct {
	finalized   int
	unfinalized int
	reverted    bool
}

// Run syncs until the requested range is finished, the context is cancelled
// or a fatal error occurs.
func (d *Driver) Run(ctx context.Context) error {
	head, err := d.db.GetHead(ctx)
	if err != nil {
		return fmt.Errorf("failed to read head: %w", err)
	}
	prev := reorg.Last{Number: -1}
	if head != nil {
		prev = reorg.Last{Number: int64(head.Number), Hash: head.Hash}
	}

	for {
		req := domain.StreamRequest{From: d.start(prev), To: d.to, ParentHash: prev.Hash}
		d.logger.Info("Opening stream", "from", req.From, "parent", prev.Hash)

		s, err := d.opener.Open(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to open stream at %d: %w", req.From, err)
		}

		var res stream.Result
		res, head, err = d.consume(ctx, s, head, prev)
		if err != nil {
			_ = s.Close()
			return err
		}

		if res.Kind == stream.KindFinished {
			_ = s.Close()
			d.logger.Info("Range synced", "head", refString(head))
			return nil
		}

		metrics.ForksTotal.WithLabelValues(d.chain).Inc()
		lastNum, lastHash := s.Last()
		base, err := reorg.FindForkBase(ctx, d.db, res.Forked, s.FinalizedHead(),
			reorg.Last{Number: lastNum, Hash: lastHash})
		_ = s.Close()
		if err != nil {
			if errors.Is(err, reorg.ErrFinalizedNotOnChain) {
				return &InvariantError{Op: "find fork base", Err: err, Actual: s.FinalizedHead()}
			}
			return fmt.Errorf("failed to find fork base: %w", err)
		}

		d.logger.Info("Fork recovered",
			"cause", res.Cause,
			"base", base.Number,
			"base_hash", base.Hash,
			"reason", base.Reason,
		)
		if d.observer != nil {
			d.observer.Forked(base)
		}
		prev = reorg.Last{Number: base.Number, Hash: base.Hash}
	}
}

// start is the first block requested after prev. An empty database starts at
// the configured origin.
func (d *Driver) start(prev reorg.Last) uint64 {
	return uint64(max(prev.Number+1, int64(d.from)))
}

// consume applies batches until the stream finishes or forks. It returns the
// head after the last committed transaction.
func (d *Driver) consume(ctx context.Context, s stream.Stream, head *domain.BlockRef, prev reorg.Last) (stream.Result, *domain.BlockRef, error) {
	for {
		res, err := s.Next(ctx)
		if err != nil {
			return res, head, err
		}
		if res.Kind != stream.KindBatch {
			return res, head, nil
		}

		fin := s.FinalizedHead()
		var c counts
		err = d.db.Transact(ctx, func(tx storage.Transaction) error {
			c = counts{}
			return d.apply(ctx, tx, head, prev, res.Blocks, fin, &c)
		})
		if err != nil {
			return res, head, err
		}

		if n := len(res.Blocks); n > 0 {
			head = domain.RefPtr(res.Blocks[n-1].Ref())
		}
		d.report(head, fin, c, len(res.Blocks))
	}
}

func (d *Driver) report(head, fin *domain.BlockRef, c counts, n int) {
	metrics.BatchesTotal.WithLabelValues(d.chain).Inc()
	if c.reverted {
		metrics.RevertsTotal.WithLabelValues(d.chain).Inc()
	}
	metrics.BlocksProcessed.WithLabelValues(d.chain, "finalized").Add(float64(c.finalized))
	metrics.BlocksProcessed.WithLabelValues(d.chain, "unfinalized").Add(float64(c.unfinalized))
	if head != nil {
		metrics.HeadBlock.WithLabelValues(d.chain).Set(float64(head.Number))
	}
	if fin != nil {
		metrics.FinalizedBlock.WithLabelValues(d.chain).Set(float64(fin.Number))
	}
	if n > 0 {
		d.logger.Debug("Batch committed", "blocks", n, "head", refString(head), "finalized", refString(fin))
	}
	if d.observer != nil {
		d.observer.Committed(head, fin)
	}
}

// apply runs inside one transaction.
func (d *Driver) apply(
	ctx context.Context,
	tx storage.Transaction,
	head *domain.BlockRef,
	prev reorg.Last,
	blocks []domain.Block,
	fin *domain.BlockRef,
	c *counts,
) error {
	base := tx.PrevHead()
	if !domain.SameRef(base, head) {
		return &InvariantError{Op: "transact", Err: ErrConcurrentWriter, Expected: head, Actual: base}
	}

	if len(blocks) > 0 && base != nil && blocks[0].Number <= base.Number {
		if dbFin := tx.PrevFinalizedHead(); dbFin != nil && prev.Number < int64(dbFin.Number) {
			return &InvariantError{
				Op:     "revert",
				Err:    ErrRollbackBelowFinalized,
				Actual: dbFin,
				Detail: fmt.Sprintf("branch point %d", prev.Number),
			}
		}
		d.logger.Info("Reverting", "head", base, "to", prev.Number, "first", blocks[0].Number)
		if err := tx.Revert(ctx, prev.Number); err != nil {
			return fmt.Errorf("failed to revert to %d: %w", prev.Number, err)
		}
		c.reverted = true
		base = nil
		if prev.Number >= 0 {
			base = &domain.BlockRef{Number: uint64(prev.Number), Hash: prev.Hash}
		}
	}

	return d.split(ctx, tx, base, blocks, fin, c)
}

// split applies blocks on top of base, finalizing up to fin.
//
//	fin == nil          all unfinalized
//	fin <  first        finalize(fin) if it advanced, all unfinalized
//	first <= fin < last finalized [first, fin], unfinalized (fin, last]
//	fin >= last         all finalized, up to last
func (d *Driver) split(
	ctx context.Context,
	tx storage.Transaction,
	base *domain.BlockRef,
	blocks []domain.Block,
	fin *domain.BlockRef,
	c *counts,
) error {
	dbFin := tx.PrevFinalizedHead()
	canFinalize := fin != nil &&
		(dbFin == nil || fin.Number > dbFin.Number) &&
		base != nil && fin.Number <= base.Number

	if len(blocks) == 0 || fin == nil || blocks[0].Number > fin.Number {
		if canFinalize {
			if err := tx.Finalize(ctx, *fin); err != nil {
				return fmt.Errorf("failed to finalize %s: %w", *fin, err)
			}
		}
		if len(blocks) == 0 {
			return nil
		}
		return d.process(ctx, tx, blocks, false, c)
	}

	last := blocks[len(blocks)-1]
	cut := domain.SearchBlocks(blocks, fin.Number+1)
	if fin.Number <= last.Number {
		if b := blocks[cut-1]; b.Number == fin.Number && b.Hash != fin.Hash {
			return &InvariantError{Op: "split", Err: ErrFinalizedHashMismatch, Expected: fin, Actual: domain.RefPtr(b.Ref())}
		}
	}

	if err := d.process(ctx, tx, blocks[:cut], true, c); err != nil {
		return err
	}
	if cut < len(blocks) {
		return d.process(ctx, tx, blocks[cut:], false, c)
	}
	return nil
}

func (d *Driver) process(ctx context.Context, tx storage.Transaction, blocks []domain.Block, final bool, c *counts) error {
	if final {
		last := blocks[len(blocks)-1].Ref()
		fn := func(ctx context.Context, store storage.Store) error {
			return d.handler(ctx, blocks, store)
		}
		if err := tx.ProcessFinalizedBlocks(ctx, last, fn); err != nil {
			return fmt.Errorf("failed to process finalized blocks up to %s: %w", last, err)
		}
		c.finalized += len(blocks)
		return nil
	}
	// One change set per block: revert targets and the hot history the fork
	// search walks are per block.
	for i := range blocks {
		one := blocks[i : i+1]
		ref := one[0].Ref()
		err := tx.ProcessUnfinalizedBlocks(ctx, ref, func(ctx context.Context, store storage.Store) error {
			return d.handler(ctx, one, store)
		})
		if err != nil {
			return fmt.Errorf("failed to process unfinalized block %s: %w", ref, err)
		}
		c.unfinalized++
	}
	return nil
}
