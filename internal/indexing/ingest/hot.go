package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/window"
	"github.com/vietddude/chainsync/internal/indexing/continuity"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/indexing/recovery"
)

// hotLoop follows the chain tip. It is owned by a single goroutine; nothing
// else touches the window.
type hotLoop struct {
	s   *Source
	req continuity.RangeRequest

	w            *window.Window
	next         uint64 // first block not yet fetched when the window is empty
	reported     *domain.BlockRef
	backpressure bool
}

func (h *hotLoop) run(ctx context.Context, seed *domain.Block, emit emitFunc) error {
	size := h.s.cfg.WindowSize
	if seed != nil {
		h.w = window.NewFromFinalized(*seed, size)
	} else {
		h.w = window.New(size)
	}
	h.s.logger.Info("Hot ingestion", "from", h.next)

	n := NewNotifier()
	subCtx, cancelSub := context.WithCancel(ctx)
	go h.subscribe(subCtx, n)
	defer func() { cancelSub() }()

	// First tick without waiting for the subscription.
	head, err := h.s.head(ctx, domain.CommitmentLatest)
	if err != nil {
		return err
	}
	n.Notify(head)

	idle := time.NewTimer(h.s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idle.C:
			h.s.logger.Warn("No head notification, resetting subscription", "idle_timeout", h.s.cfg.IdleTimeout)
			cancelSub()
			subCtx, cancelSub = context.WithCancel(ctx)
			go h.subscribe(subCtx, n)
			idle.Reset(h.s.cfg.IdleTimeout)

		case head := <-n.C():
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(h.s.cfg.IdleTimeout)

			done, err := h.tick(ctx, head, emit)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (h *hotLoop) subscribe(ctx context.Context, n *Notifier) {
	if err := h.s.sub.Run(ctx, n); err != nil && ctx.Err() == nil {
		h.s.logger.Warn("Subscription stopped", "error", err)
	}
}

// tick handles one head notification. It reports true once the requested
// range is delivered and finalized.
func (h *hotLoop) tick(ctx context.Context, head domain.BlockRef, emit emitFunc) (bool, error) {
	target := head.Number
	if h.req.To != nil && *h.req.To < target {
		target = *h.req.To
	}

	var fresh []domain.Block
	if !h.backpressure {
		from := h.next
		if tip, ok := h.w.Tip(); ok {
			from = tip.Number + 1
		}
		if target >= from {
			blocks, err := h.s.blocks(ctx, from, target)
			if err != nil && !errors.Is(err, recovery.ErrDataConsistency) {
				return false, err
			}
			for _, b := range blocks {
				pushed, err := h.push(ctx, b)
				if err != nil {
					if errors.Is(err, recovery.ErrDataConsistency) {
						h.s.logger.Warn("Reorg walk-back interrupted", "block", b.Ref(), "error", err)
						break
					}
					return false, err
				}
				fresh = append(fresh, pushed...)
			}
		}
	} else {
		h.s.logger.Debug("Window full, waiting for finalization", "size", h.w.Len())
	}

	advanced, err := h.finalize(ctx)
	if err != nil {
		return false, err
	}
	h.backpressure = !h.w.Compact()
	metrics.WindowSize.WithLabelValues(h.s.cfg.Chain).Set(float64(h.w.Len()))

	if len(fresh) > 0 || advanced {
		var fin *domain.BlockRef
		if h.reported != nil {
			fin = domain.RefPtr(*h.reported)
		}
		if err := emit(continuity.RawBatch{
			Blocks:        fresh,
			Commitment:    domain.CommitmentLatest,
			FinalizedHead: fin,
		}); err != nil {
			return false, err
		}
	}

	if h.req.To != nil && h.reported != nil && h.reported.Number >= *h.req.To {
		if tip, ok := h.w.Tip(); ok && tip.Number >= *h.req.To {
			return true, nil
		}
	}
	return false, nil
}

// finalize moves the window boundary to the node's finalized head and reports
// whether the head passed downstream advanced. Only buffered heads are
// reported so every reported head was delivered first.
func (h *hotLoop) finalize(ctx context.Context) (bool, error) {
	fin, err := h.s.head(ctx, domain.CommitmentFinalized)
	if err != nil {
		return false, err
	}
	tip, ok := h.w.Tip()
	if !ok || fin.Number > tip.Number {
		return false, nil
	}
	if _, err := h.w.Finalize(fin); err != nil {
		if errors.Is(err, window.ErrFinalizeMismatch) {
			h.s.logger.Debug("Finalized head not in window", "finalized", fin, "error", err)
			return false, nil
		}
		return false, err
	}
	if h.reported != nil && fin.Number <= h.reported.Number {
		return false, nil
	}
	h.reported = domain.RefPtr(fin)
	return true, nil
}

// push adds b to the window. When b does not extend the buffered chain the
// loop walks back through the node's ancestors of b until a buffered block
// parents the branch, then replaces the buffered suffix with it. It returns
// the blocks that entered the window.
func (h *hotLoop) push(ctx context.Context, b domain.Block) ([]domain.Block, error) {
	if fin, ok := h.w.FinalizedHead(); ok && b.Number <= fin.Number {
		return nil, nil
	}
	err := h.w.Push(b)
	if err == nil {
		return []domain.Block{b}, nil
	}
	if !errors.Is(err, window.ErrNotParent) {
		return nil, err
	}

	branch := []domain.Block{b}
	for depth := 0; depth < h.s.cfg.WindowSize; depth++ {
		first := branch[0]
		anc, ok := h.w.FirstBelow(first.Number)
		if ok && domain.IsParent(anc.Ref(), first) {
			return branch, h.pushAll(branch)
		}
		if first.Number == 0 || !ok {
			break
		}
		if fin, ok := h.w.FinalizedHead(); ok && first.Number-1 <= fin.Number {
			break
		}

		parent, err := h.parent(ctx, first)
		if err != nil {
			return nil, err
		}
		branch = append([]domain.Block{parent}, branch...)
	}

	h.s.logger.Warn("Reorg not resolvable in window, restarting it",
		"branch_start", branch[0].Ref(), "branch_end", b.Ref())
	h.w = window.New(h.s.cfg.WindowSize)
	return branch, h.pushAll(branch)
}

// parent fetches the parent of b. The node may switch branches between calls,
// which shows up as a hash mismatch and is retried.
func (h *hotLoop) parent(ctx context.Context, b domain.Block) (domain.Block, error) {
	var parent domain.Block
	err := recovery.Retry(ctx, h.s.cfg.Retry, func(ctx context.Context) error {
		got, err := h.s.blocks(ctx, b.Number-1, b.Number-1)
		if err != nil {
			return err
		}
		if len(got) == 0 {
			return recovery.Consistency("block %d not available", b.Number-1)
		}
		if got[0].Hash != b.ParentHash {
			return recovery.Consistency("block %s is not the parent of %s", got[0].Ref(), b.Ref())
		}
		parent = got[0]
		return nil
	})
	return parent, err
}

func (h *hotLoop) pushAll(blocks []domain.Block) error {
	for _, b := range blocks {
		if err := h.w.Push(b); err != nil {
			return err
		}
	}
	return nil
}
