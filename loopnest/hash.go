// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package loopnest

// hashCombine folds v into h.
func hashCombine(h *uint64, v int64) {
	x := uint64(v)
	*h ^= x + 0x9e3779b9 + (*h << 6) + (*h >> 2)
}

// StructuralHash folds the shape of this subtree into h, looking depth
// levels down. The hash ignores costs. At depth 0 only the placement of
// funcs at this level is hashed. Deeper levels add the tile sizes of the
// children, with depth 1 only distinguishing a size of one from larger
// sizes. A negative depth leaves h unchanged.
func (n *Node) StructuralHash(depth int, h *uint64) {
	if depth < 0 {
		return
	}

	for _, f := range n.sortedStoreAt() {
		hashCombine(h, int64(f.ID))
	}
	hashCombine(h, -1)

	for _, c := range n.children {
		hashCombine(h, int64(c.stage.ID))
	}
	hashCombine(h, -1)

	for _, f := range n.sortedInlined() {
		hashCombine(h, int64(f.ID))
	}
	hashCombine(h, -1)

	if depth > 0 {
		for _, c := range n.children {
			for _, s := range c.size {
				if depth == 1 {
					// Only distinguish serial from tiled loops.
					if s > 1 {
						s = 1
					} else {
						s = 0
					}
				}
				hashCombine(h, s)
			}
			hashCombine(h, int64(c.vectorizedLoop))
		}
	}

	if depth > 1 {
		for _, c := range n.children {
			c.StructuralHash(depth-2, h)
		}
	}
}
