package domain

import "fmt"

// BlockRef is the minimal identity of a chain position.
type BlockRef struct {
	Number uint64 `json:"number" db:"block_number"`
	Hash   string `json:"hash"   db:"block_hash"`
}

func (r BlockRef) String() string {
	return fmt.Sprintf("%d#%s", r.Number, shortHash(r.Hash))
}

// Block represents a blockchain block. Payload carries the chain-specific
// body (decoded transactions, logs, ...) and is opaque to the engine.
type Block struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
	Payload    any
}

// Ref returns the block position.
func (b Block) Ref() BlockRef {
	return BlockRef{Number: b.Number, Hash: b.Hash}
}

// ParentRef returns the position of the block's parent.
// Only meaningful for Number > 0.
func (b Block) ParentRef() BlockRef {
	return BlockRef{Number: b.Number - 1, Hash: b.ParentHash}
}

// StreamRequest is a resumption point. ParentHash, when set, is the hash the
// first yielded block must reference as its parent.
type StreamRequest struct {
	From       uint64
	To         *uint64 // inclusive, nil = follow the chain tip forever
	ParentHash string
}

// Commitment is the view a raw batch was read from.
type Commitment string

const (
	CommitmentFinalized Commitment = "finalized"
	CommitmentLatest    Commitment = "latest"
)

func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:10] + ".."
}
