// Package storage defines the database the sync driver writes to.
//
// State is a head, a finalized head and a key/value entity store. Blocks
// applied above the finalized head are "hot": every unfinalized application
// records the previous value of each entity it touched, so Revert can undo it.
// Change sets are kept per application and tagged with the application's last
// block, which makes those refs the only positions (besides the finalized head
// and -1) a revert can land on.
package storage

import (
	"context"
	"errors"

	"github.com/vietddude/chainsync/internal/core/domain"
)

var (
	// ErrNotFound is returned by Store.Get for a missing entity
	ErrNotFound = errors.New("entity not found")

	// ErrRollbackBelowFinalized is returned when a revert would undo finalized blocks
	ErrRollbackBelowFinalized = errors.New("rollback below finalized head")

	// ErrRevertMisaligned is returned when a revert base is not a change set boundary
	ErrRevertMisaligned = errors.New("revert base is not a change set boundary")

	// ErrNotAboveHead is returned when applied blocks do not extend the head
	ErrNotAboveHead = errors.New("blocks do not extend the head")

	// ErrFinalizeConflict is returned when a finalized ref conflicts with stored state
	ErrFinalizeConflict = errors.New("finalized block conflicts with stored state")
)

// Store is the entity store handed to the mapping handler.
type Store interface {
	Upsert(ctx context.Context, entity, id string, data []byte) error
	Get(ctx context.Context, entity, id string) ([]byte, error)
	Remove(ctx context.Context, entity, id string) error
}

// ProcessFunc writes the entities of a block range.
type ProcessFunc func(ctx context.Context, store Store) error

// Database is the persisted side of the sync driver.
type Database interface {
	// GetHead returns the last applied block, nil when empty.
	GetHead(ctx context.Context) (*domain.BlockRef, error)

	// GetFinalizedHead returns the finalized head, nil when nothing is final.
	GetFinalizedHead(ctx context.Context) (*domain.BlockRef, error)

	// GetUnfinalizedBlocks returns refs of hot blocks with number <= top in
	// descending order. The list may have gaps.
	GetUnfinalizedBlocks(ctx context.Context, top uint64) ([]domain.BlockRef, error)

	// Transact runs fn in a transaction. fn may run more than once when the
	// backend retries an optimistic conflict.
	Transact(ctx context.Context, fn func(tx Transaction) error) error
}

// Transaction mutates the database atomically.
type Transaction interface {
	// PrevHead is the head when the transaction started.
	PrevHead() *domain.BlockRef

	// PrevFinalizedHead is the finalized head when the transaction started.
	PrevFinalizedHead() *domain.BlockRef

	// Revert undoes every hot application above base. -1 reverts everything.
	Revert(ctx context.Context, base int64) error

	// Finalize marks blocks up to head as final. The finalized head moves to
	// the highest change set boundary not above head.
	Finalize(ctx context.Context, head domain.BlockRef) error

	// ProcessFinalizedBlocks applies blocks ending at last as final.
	ProcessFinalizedBlocks(ctx context.Context, last domain.BlockRef, fn ProcessFunc) error

	// ProcessUnfinalizedBlocks applies blocks ending at last as a new hot
	// change set.
	ProcessUnfinalizedBlocks(ctx context.Context, last domain.BlockRef, fn ProcessFunc) error
}
