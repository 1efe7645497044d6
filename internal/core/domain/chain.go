package domain

import "sort"

// Chain position helpers. These are pure functions over block records so they
// can be used by the window, the continuity check and the fork search alike.

// SearchBlocks returns the smallest index i such that blocks[i].Number >= number.
// blocks must be sorted by strictly increasing number.
func SearchBlocks(blocks []Block, number uint64) int {
	return sort.Search(len(blocks), func(i int) bool {
		return blocks[i].Number >= number
	})
}

// SearchRefs is SearchBlocks for ascending refs.
func SearchRefs(refs []BlockRef, number uint64) int {
	return sort.Search(len(refs), func(i int) bool {
		return refs[i].Number >= number
	})
}

// IsParent reports whether parent is the direct predecessor of child.
func IsParent(parent BlockRef, child Block) bool {
	return child.Number > 0 &&
		parent.Number == child.Number-1 &&
		parent.Hash == child.ParentHash
}

// Contiguous reports whether blocks form a gap-free chain linked by parent hash.
func Contiguous(blocks []Block) bool {
	for i := 1; i < len(blocks); i++ {
		if !IsParent(blocks[i-1].Ref(), blocks[i]) {
			return false
		}
	}
	return true
}

// Refs projects blocks to their positions.
func Refs(blocks []Block) []BlockRef {
	refs := make([]BlockRef, len(blocks))
	for i, b := range blocks {
		refs[i] = b.Ref()
	}
	return refs
}

// SameRef compares two optional positions.
func SameRef(a, b *BlockRef) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// RefPtr returns a pointer to a copy of r.
func RefPtr(r BlockRef) *BlockRef {
	return &r
}
