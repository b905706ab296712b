package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleLeaves(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte(i), byte(i >> 8), byte(i >> 16)}
	}
	return out
}

func TestEmptyTreeHasNoRoot(t *testing.T) {
	tr := Build(nil)
	_, ok := tr.Root()
	require.False(t, ok)

	_, ok = tr.FindPath(0)
	require.False(t, ok)
}

func TestPathOutOfRange(t *testing.T) {
	tr := Build(sampleLeaves(5))
	_, ok := tr.FindPath(5)
	require.False(t, ok)
}

func TestRoundTripVariousSizes(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 16, 17} {
		leaves := sampleLeaves(n)
		tr := Build(leaves)
		root, ok := tr.Root()
		require.True(t, ok)

		for i := 0; i < n; i++ {
			proof, ok := tr.FindPath(uint64(i))
			require.True(t, ok)
			require.True(t, proof.Verify(leaves[i], root), "leaf %d in tree of size %d", i, n)
		}
	}
}

func TestTamperedLeafFailsVerification(t *testing.T) {
	leaves := sampleLeaves(6)
	tr := Build(leaves)
	root, _ := tr.Root()

	proof, ok := tr.FindPath(2)
	require.True(t, ok)
	require.True(t, proof.Verify(leaves[2], root))

	tampered := append([]byte(nil), leaves[2]...)
	tampered[0] ^= 0xFF
	require.False(t, proof.Verify(tampered, root))
}
