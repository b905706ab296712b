// Package merkle implements the commitment-set authenticator: a binary
// Merkle tree of SHA-256 leaves with domain-separated leaf and
// intermediate hashing as a second-preimage defense.
package merkle

import (
	"github.com/oasislabs/psyche-coordinator/go/common/crypto/hash"
)

var (
	leafPrefix         = []byte{0x00}
	intermediatePrefix = []byte{0x01}
)

func hashLeaf(data []byte) hash.Hash {
	return hash.NewFrom(leafPrefix, data)
}

func hashIntermediate(left, right hash.Hash) hash.Hash {
	return hash.NewFrom(intermediatePrefix, left[:], right[:])
}

// Tree is a flat-array binary Merkle tree: nodes are stored level by
// level, leaves first, with the root as the last entry.
type Tree struct {
	leafCount   int
	nodes       []hash.Hash
	levelStart  []int
	levelLength []int
}

// Build constructs a Tree over leaves. An odd-sized level duplicates its
// last node to pair with itself.
func Build(leaves [][]byte) *Tree {
	t := &Tree{leafCount: len(leaves)}
	if len(leaves) == 0 {
		return t
	}

	level := make([]hash.Hash, len(leaves))
	for i, l := range leaves {
		level[i] = hashLeaf(l)
	}

	t.appendLevel(level)
	for len(level) > 1 {
		nextLen := (len(level) + 1) / 2
		next := make([]hash.Hash, nextLen)
		for i := 0; i < nextLen; i++ {
			left := level[2*i]
			right := left
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = hashIntermediate(left, right)
		}
		t.appendLevel(next)
		level = next
	}
	return t
}

func (t *Tree) appendLevel(level []hash.Hash) {
	t.levelStart = append(t.levelStart, len(t.nodes))
	t.levelLength = append(t.levelLength, len(level))
	t.nodes = append(t.nodes, level...)
}

// Root returns the tree's root hash, or false if the tree is empty.
func (t *Tree) Root() (hash.Hash, bool) {
	if len(t.nodes) == 0 {
		return hash.Hash{}, false
	}
	return t.nodes[len(t.nodes)-1], true
}

// ProofEntry is one step of a Merkle proof: the sibling hash and whether
// it sits to the right of the node being folded.
type ProofEntry struct {
	Sibling hash.Hash
	IsRight bool
}

// Proof is an ordered list of ProofEntry from leaf to root.
type Proof struct {
	Entries []ProofEntry
}

// FindPath returns the proof for leaf index i, or false if i is out of
// range (including on an empty tree).
func (t *Tree) FindPath(i uint64) (*Proof, bool) {
	if t.leafCount == 0 || i >= uint64(t.leafCount) {
		return nil, false
	}

	idx := int(i)
	proof := &Proof{}
	// The last level is the root; there is nothing to fold past it.
	for lvl := 0; lvl < len(t.levelLength)-1; lvl++ {
		lvlLen := t.levelLength[lvl]
		lvlStart := t.levelStart[lvl]

		isRightChild := idx%2 == 1
		switch {
		case isRightChild:
			sibling := t.nodes[lvlStart+idx-1]
			proof.Entries = append(proof.Entries, ProofEntry{Sibling: sibling, IsRight: false})
		case idx+1 < lvlLen:
			sibling := t.nodes[lvlStart+idx+1]
			proof.Entries = append(proof.Entries, ProofEntry{Sibling: sibling, IsRight: true})
		default:
			// idx is the odd-one-out at this level: it was paired with
			// itself when the level above was built. Record a
			// self-sibling entry so Verify reproduces the same fold.
			self := t.nodes[lvlStart+idx]
			proof.Entries = append(proof.Entries, ProofEntry{Sibling: self, IsRight: true})
		}

		idx /= 2
	}
	return proof, true
}

// Verify folds leafData up through the proof's entries and reports
// whether the result equals root.
func (p *Proof) Verify(leafData []byte, root hash.Hash) bool {
	cur := hashLeaf(leafData)
	for _, e := range p.Entries {
		if e.IsRight {
			cur = hashIntermediate(cur, e.Sibling)
		} else {
			cur = hashIntermediate(e.Sibling, cur)
		}
	}
	return cur == root
}
