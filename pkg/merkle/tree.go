// Package merkle implements the audit-time Merkle engine: tree
// construction over all registered samples, inclusion-proof generation
// and verification, and a proof cache (spec §4.4). The tree is built only
// when an audit runs; registration never touches this package.
package merkle

import (
	"fmt"

	"github.com/lazyaudit-labs/engine/pkg/cryptoprim"
)

// Leaf is one sample's hash, in registration order.
type Leaf struct {
	SampleID string
	Hash     [32]byte
}

// Tree is the transient structure built at audit time. Levels[0] holds the
// leaf hashes; each subsequent level holds that level's parents; the last
// level is a single element equal to Root.
type Tree struct {
	Levels      [][][32]byte
	Root        [32]byte
	Size        int // number of leaves (tree_size)
	sampleIndex map[string]int
	leafOrder   []string
}

// Build constructs a Merkle tree over leaves, in the order given. The
// caller is responsible for presenting leaves in registration order
// (spec §5: "the Merkle leaf order equals registration order").
func Build(leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle: cannot build a tree over zero leaves")
	}

	t := &Tree{
		Size:        len(leaves),
		sampleIndex: make(map[string]int, len(leaves)),
		leafOrder:   make([]string, len(leaves)),
	}

	level := make([][32]byte, len(leaves))
	for i, l := range leaves {
		level[i] = l.Hash
		t.sampleIndex[l.SampleID] = i
		t.leafOrder[i] = l.SampleID
	}
	t.Levels = append(t.Levels, level)

	for len(level) > 1 {
		level = nextLevel(level)
		t.Levels = append(t.Levels, level)
	}
	t.Root = level[0]
	return t, nil
}

// nextLevel applies the duplicate-last rule for odd-sized levels and hashes
// each adjacent pair into the parent level.
func nextLevel(level [][32]byte) [][32]byte {
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}
	parents := make([][32]byte, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		parents[i/2] = hashPair(level[i], level[i+1])
	}
	return parents
}

func hashPair(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return cryptoprim.SHA256(buf)
}

// LeafIndex returns the registration index of sampleID, or false if it is
// not a leaf of this tree.
func (t *Tree) LeafIndex(sampleID string) (int, bool) {
	idx, ok := t.sampleIndex[sampleID]
	return idx, ok
}

// Height returns the number of levels above the leaves, i.e. ceil(log2(size))
// except for a single-leaf tree, which has height 0.
func (t *Tree) Height() int {
	if len(t.Levels) == 0 {
		return 0
	}
	return len(t.Levels) - 1
}
