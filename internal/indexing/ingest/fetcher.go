// Package ingest reads blocks from a chain client and presents them as a raw
// source for the continuity enforcer.
//
// A stream starts cold: the finalized range between the request start and
// the current finalized head is split into strides that are fetched
// concurrently and delivered in order. Once it catches up it turns hot: one
// goroutine follows head notifications, keeps recent blocks in a window and
// resolves short reorgs locally before anything is delivered.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/recovery"
)

// Fetcher is the per chain client.
type Fetcher interface {
	// Head returns the newest block under the given commitment.
	Head(ctx context.Context, c domain.Commitment) (domain.BlockRef, error)

	// Blocks returns blocks [from, to] in order. A lagging node may return a
	// shorter prefix.
	Blocks(ctx context.Context, from, to uint64) ([]domain.Block, error)
}

// Progress records completed cold splits.
type Progress interface {
	SplitDone(ctx context.Context, from, to uint64) error
}

// Config holds ingestion settings.
type Config struct {
	Chain        string
	WindowSize   int
	Stride       uint64
	Concurrency  int
	PollInterval time.Duration
	IdleTimeout  time.Duration
	Retry        recovery.RetryStrategy
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 1000
	}
	if c.Stride == 0 {
		c.Stride = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.Retry == nil {
		c.Retry = recovery.DefaultBackoff(nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// split is an inclusive range fetched as one unit.
type split struct {
	from, to uint64
}

// splits cuts [from, to] into strides.
func splits(from, to, stride uint64) []split {
	var out []split
	for from <= to {
		end := to
		if to-from >= stride {
			end = from + stride - 1
		}
		out = append(out, split{from: from, to: end})
		if end == to {
			break
		}
		from = end + 1
	}
	return out
}
