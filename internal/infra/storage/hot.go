package storage

import (
	"fmt"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// RevertPlan computes the outcome of reverting to base. boundaries are the
// last refs of the hot change sets, ascending. It returns how many change
// sets survive and the new head. A base at or above the head is a no-op.
func RevertPlan(head, finalized *domain.BlockRef, boundaries []domain.BlockRef, base int64) (int, *domain.BlockRef, error) {
	if head == nil || base >= int64(head.Number) {
		return len(boundaries), head, nil
	}
	if finalized != nil && base < int64(finalized.Number) {
		return 0, nil, fmt.Errorf("%w: base %d, finalized %s", ErrRollbackBelowFinalized, base, *finalized)
	}

	switch {
	case base == -1:
		return 0, nil, nil
	case finalized != nil && base == int64(finalized.Number):
		return 0, domain.RefPtr(*finalized), nil
	}

	i := domain.SearchRefs(boundaries, uint64(base))
	if i < len(boundaries) && boundaries[i].Number == uint64(base) {
		return i + 1, domain.RefPtr(boundaries[i]), nil
	}
	return 0, nil, fmt.Errorf("%w: base %d", ErrRevertMisaligned, base)
}

// FinalizePlan computes the outcome of finalizing ref. It returns how many of
// the oldest change sets become final and the new finalized head, which is nil
// when nothing advances.
func FinalizePlan(head, finalized *domain.BlockRef, boundaries []domain.BlockRef, ref domain.BlockRef) (int, *domain.BlockRef, error) {
	if finalized != nil && ref.Number <= finalized.Number {
		if ref.Number == finalized.Number && ref.Hash != finalized.Hash {
			return 0, nil, fmt.Errorf("%w: %s, finalized %s", ErrFinalizeConflict, ref, *finalized)
		}
		return 0, nil, nil
	}
	if head == nil || ref.Number > head.Number {
		return 0, nil, fmt.Errorf("%w: %s is above head %v", ErrFinalizeConflict, ref, head)
	}

	n := domain.SearchRefs(boundaries, ref.Number+1)
	if n == 0 {
		return 0, nil, nil
	}
	last := boundaries[n-1]
	if last.Number == ref.Number && last.Hash != ref.Hash {
		return 0, nil, fmt.Errorf("%w: %s, stored %s", ErrFinalizeConflict, ref, last)
	}
	return n, domain.RefPtr(last), nil
}

// CheckExtends verifies that last is above head.
func CheckExtends(head *domain.BlockRef, last domain.BlockRef) error {
	if head != nil && last.Number <= head.Number {
		return fmt.Errorf("%w: %s, head %s", ErrNotAboveHead, last, *head)
	}
	return nil
}
