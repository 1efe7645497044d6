package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SplitProgress checkpoints completed cold splits in a sorted set scored by
// the split start. It implements ingest.Progress.
type SplitProgress struct {
	c     *Client
	chain string
}

func (c *Client) SplitProgress(chain string) *SplitProgress {
	return &SplitProgress{c: c, chain: chain}
}

func (p *SplitProgress) SplitDone(ctx context.Context, from, to uint64) error {
	err := p.c.rdb.ZAdd(ctx, progressKey(p.chain), redis.Z{
		Score:  float64(from),
		Member: FormatRange(from, to),
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// Last returns the highest completed split, if any.
func (p *SplitProgress) Last(ctx context.Context) (from, to uint64, found bool, err error) {
	members, err := p.c.rdb.ZRevRange(ctx, progressKey(p.chain), 0, 0).Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("zrevrange failed: %w", err)
	}
	if len(members) == 0 {
		return 0, 0, false, nil
	}
	from, to, err = ParseRangeString(members[0])
	if err != nil {
		return 0, 0, false, err
	}
	return from, to, true, nil
}

// Reset drops all checkpoints of the chain.
func (p *SplitProgress) Reset(ctx context.Context) error {
	return p.c.rdb.Del(ctx, progressKey(p.chain)).Err()
}
