// Package evm reads blocks from EVM compatible nodes over JSON-RPC.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/rpc"
)

const (
	defaultBatchSize   = 50
	defaultConcurrency = 4
)

// Caller is the subset of rpc.Client used by the fetcher.
type Caller interface {
	CallInto(ctx context.Context, out any, method string, params ...any) error
	BatchCall(ctx context.Context, requests []rpc.BatchRequest) ([]rpc.BatchResponse, error)
}

// Header is the payload attached to every fetched block.
type Header struct {
	Miner        string   `json:"miner"`
	GasUsed      uint64   `json:"gas_used"`
	LogsBloom    string   `json:"logs_bloom"`
	Transactions []string `json:"transactions"`
}

type rawBlock struct {
	Number       string   `json:"number"`
	Hash         string   `json:"hash"`
	ParentHash   string   `json:"parentHash"`
	Timestamp    string   `json:"timestamp"`
	Miner        string   `json:"miner"`
	GasUsed      string   `json:"gasUsed"`
	LogsBloom    string   `json:"logsBloom"`
	Transactions []string `json:"transactions"`
}

// Fetcher implements ingest.Fetcher.
//
// With finalityBlocks > 0 the finalized head is the block that many blocks
// below the latest one; otherwise the node's "finalized" tag is used.
type Fetcher struct {
	client         Caller
	finalityBlocks uint64
	batchSize      int
	concurrency    int
	log            *slog.Logger
}

func NewFetcher(client Caller, finalityBlocks uint64) *Fetcher {
	return &Fetcher{
		client:         client,
		finalityBlocks: finalityBlocks,
		batchSize:      defaultBatchSize,
		concurrency:    defaultConcurrency,
		log:            slog.Default().With("component", "evm"),
	}
}

// Head returns the newest block under c.
func (f *Fetcher) Head(ctx context.Context, c domain.Commitment) (domain.BlockRef, error) {
	tag := "latest"
	if c == domain.CommitmentFinalized {
		if f.finalityBlocks > 0 {
			return f.depthFinalized(ctx)
		}
		tag = "finalized"
	}

	b, err := f.blockByTag(ctx, tag)
	if err != nil {
		return domain.BlockRef{}, err
	}
	return b.Ref(), nil
}

func (f *Fetcher) depthFinalized(ctx context.Context) (domain.BlockRef, error) {
	latest, err := f.blockByTag(ctx, "latest")
	if err != nil {
		return domain.BlockRef{}, err
	}
	if latest.Number <= f.finalityBlocks {
		return domain.BlockRef{}, fmt.Errorf("chain height %d below finality depth %d", latest.Number, f.finalityBlocks)
	}
	b, err := f.blockByTag(ctx, toHex(latest.Number-f.finalityBlocks))
	if err != nil {
		return domain.BlockRef{}, err
	}
	return b.Ref(), nil
}

func (f *Fetcher) blockByTag(ctx context.Context, tag string) (domain.Block, error) {
	var raw *rawBlock
	if err := f.client.CallInto(ctx, &raw, "eth_getBlockByNumber", tag, false); err != nil {
		return domain.Block{}, fmt.Errorf("eth_getBlockByNumber(%s) failed: %w", tag, err)
	}
	if raw == nil {
		return domain.Block{}, fmt.Errorf("block %s not found", tag)
	}
	return raw.toBlock()
}

// Blocks fetches [from, to] in batched requests run concurrently. The result
// stops before the first block the node does not have yet.
func (f *Fetcher) Blocks(ctx context.Context, from, to uint64) ([]domain.Block, error) {
	if from > to {
		return nil, nil
	}
	n := int(to - from + 1)
	blocks := make([]*domain.Block, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for start := 0; start < n; start += f.batchSize {
		end := min(start+f.batchSize, n)
		g.Go(func() error {
			return f.fetchBatch(gctx, from, blocks[start:end], start)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.Block, 0, n)
	for _, b := range blocks {
		if b == nil {
			break
		}
		out = append(out, *b)
	}
	if len(out) < n {
		f.log.Debug("Node returned a partial range", "from", from, "to", to, "got", len(out))
	}
	return out, nil
}

// fetchBatch fills dst with blocks from+offset onwards. Missing blocks stay nil.
func (f *Fetcher) fetchBatch(ctx context.Context, from uint64, dst []*domain.Block, offset int) error {
	reqs := make([]rpc.BatchRequest, len(dst))
	for i := range dst {
		reqs[i] = rpc.BatchRequest{
			Method: "eth_getBlockByNumber",
			Params: []any{toHex(from + uint64(offset+i)), false},
		}
	}

	resps, err := f.client.BatchCall(ctx, reqs)
	if err != nil {
		return fmt.Errorf("eth_getBlockByNumber batch at %d failed: %w", from+uint64(offset), err)
	}

	for i, r := range resps {
		if r.Error != nil {
			f.log.Debug("Block not available", "number", from+uint64(offset+i), "error", r.Error)
			continue
		}
		var raw *rawBlock
		if err := json.Unmarshal(r.Result, &raw); err != nil {
			return fmt.Errorf("decode block %d: %w", from+uint64(offset+i), err)
		}
		if raw == nil {
			continue
		}
		b, err := raw.toBlock()
		if err != nil {
			return err
		}
		if want := from + uint64(offset+i); b.Number != want {
			return fmt.Errorf("node returned block %d for %d", b.Number, want)
		}
		dst[i] = &b
	}
	return nil
}

func (r *rawBlock) toBlock() (domain.Block, error) {
	number, err := parseHexString(r.Number)
	if err != nil {
		return domain.Block{}, fmt.Errorf("block number: %w", err)
	}
	timestamp, _ := parseHexString(r.Timestamp)
	gasUsed, _ := parseHexString(r.GasUsed)

	return domain.Block{
		Number:     number,
		Hash:       r.Hash,
		ParentHash: r.ParentHash,
		Timestamp:  timestamp,
		Payload: &Header{
			Miner:        r.Miner,
			GasUsed:      gasUsed,
			LogsBloom:    r.LogsBloom,
			Transactions: r.Transactions,
		},
	}, nil
}

func toHex(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}

func parseHexString(hexStr string) (uint64, error) {
	n := new(big.Int)
	if _, ok := n.SetString(strings.TrimPrefix(hexStr, "0x"), 16); !ok {
		return 0, fmt.Errorf("invalid hex: %s", hexStr)
	}
	return n.Uint64(), nil
}
