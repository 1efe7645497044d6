package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// Notifier carries head notifications with capacity one. A new notification
// replaces a pending one, so producers never block on a slow consumer.
type Notifier struct {
	ch chan domain.BlockRef
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan domain.BlockRef, 1)}
}

// Notify publishes ref, dropping any unconsumed notification.
func (n *Notifier) Notify(ref domain.BlockRef) {
	for {
		select {
		case n.ch <- ref:
			return
		default:
		}
		select {
		case <-n.ch:
		default:
		}
	}
}

// C returns the receive side.
func (n *Notifier) C() <-chan domain.BlockRef { return n.ch }

// Subscription publishes head notifications until ctx is done.
type Subscription interface {
	Run(ctx context.Context, n *Notifier) error
}

// PollingSubscription polls the latest head on a fixed interval.
type PollingSubscription struct {
	Fetcher  Fetcher
	Interval time.Duration
	Logger   *slog.Logger
}

func (p *PollingSubscription) Run(ctx context.Context, n *Notifier) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		head, err := p.Fetcher.Head(ctx, domain.CommitmentLatest)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Failed to poll head", "error", err)
		} else {
			n.Notify(head)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
