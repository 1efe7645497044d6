package control

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/chain/evm"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

// BlockEntity is the entity written by BlockHandler.
const BlockEntity = "block"

// BlockRecord is the stored form of a block.
type BlockRecord struct {
	Number       uint64 `json:"number"`
	Hash         string `json:"hash"`
	ParentHash   string `json:"parent_hash"`
	Timestamp    uint64 `json:"timestamp"`
	Transactions int    `json:"transactions"`
	GasUsed      uint64 `json:"gas_used"`
}

// BlockHandler stores one record per block, keyed by number.
func BlockHandler(ctx context.Context, blocks []domain.Block, store storage.Store) error {
	for _, b := range blocks {
		rec := BlockRecord{
			Number:     b.Number,
			Hash:       b.Hash,
			ParentHash: b.ParentHash,
			Timestamp:  b.Timestamp,
		}
		if h, ok := b.Payload.(*evm.Header); ok {
			rec.Transactions = len(h.Transactions)
			rec.GasUsed = h.GasUsed
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := store.Upsert(ctx, BlockEntity, strconv.FormatUint(b.Number, 10), data); err != nil {
			return err
		}
	}
	return nil
}
