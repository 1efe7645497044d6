package continuity

import (
	"errors"
	"fmt"

	"github.com/vietddude/chainsync/internal/core/domain"
)

var (
	// ErrFork matches every *ForkError.
	ErrFork = errors.New("chain diverged from requested parent")

	// ErrSourceTooFarBehind is returned when back-filling holes nested deeper
	// than the configured limit.
	ErrSourceTooFarBehind = errors.New("upstream source is too far behind")

	// ErrSourceEnded is returned when a raw source stops before the requested
	// range was finalized.
	ErrSourceEnded = errors.New("raw source ended before the range was finalized")
)

// ForkError describes where the raw feed stopped chaining.
type ForkError struct {
	LastGoodHash string
	Conflict     domain.BlockRef
	Candidate    domain.BlockRef
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("fork at %s: expected parent %s, got %s",
		e.Conflict, e.LastGoodHash, e.Candidate.Hash)
}

func (e *ForkError) Unwrap() error { return ErrFork }
