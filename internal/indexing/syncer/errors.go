package syncer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/window"
	"github.com/vietddude/chainsync/internal/indexing/continuity"
	"github.com/vietddude/chainsync/internal/indexing/recovery"
	"github.com/vietddude/chainsync/internal/indexing/reorg"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

var (
	// ErrConcurrentWriter is returned when the database head moved under the driver
	ErrConcurrentWriter = errors.New("database modified by another writer")

	// ErrFinalizedHashMismatch is returned when the reported finalized head
	// conflicts with the block at the same height in the batch
	ErrFinalizedHashMismatch = errors.New("finalized head does not match batch")

	ErrRollbackBelowFinalized = storage.ErrRollbackBelowFinalized
	ErrFinalizedNotOnChain    = reorg.ErrFinalizedNotOnChain
)

// InvariantError is a violated assumption the driver cannot repair.
type InvariantError struct {
	Op       string
	Err      error
	Expected *domain.BlockRef
	Actual   *domain.BlockRef
	Detail   string
}

func (e *InvariantError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Op, e.Err)
	if e.Expected != nil || e.Actual != nil {
		fmt.Fprintf(&b, " (expected %s, actual %s)", refString(e.Expected), refString(e.Actual))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *InvariantError) Unwrap() error { return e.Err }

func refString(r *domain.BlockRef) string {
	if r == nil {
		return "none"
	}
	return r.String()
}

// IsFatal reports whether err must stop the process instead of being retried.
func IsFatal(err error) bool {
	var inv *InvariantError
	switch {
	case errors.As(err, &inv):
		return true
	case errors.Is(err, continuity.ErrSourceTooFarBehind),
		errors.Is(err, window.ErrNotParent),
		errors.Is(err, window.ErrFinalizeMismatch),
		errors.Is(err, storage.ErrRollbackBelowFinalized),
		errors.Is(err, storage.ErrRevertMisaligned),
		errors.Is(err, storage.ErrFinalizeConflict),
		errors.Is(err, recovery.ErrRetriesExhausted):
		return true
	}
	return false
}
