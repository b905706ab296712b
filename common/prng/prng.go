// Package prng implements the chacha20-seeded deterministic permutation
// shared by committee selection and data assignment.
package prng

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
)

// Permutation returns a deterministic Fisher-Yates shuffle of [0, n),
// derived from seed and domain-separated by domain so that unrelated
// derivations (committee selection vs. data-assignment shuffling) never
// collide even when fed the same round seed.
func Permutation(seed uint64, domain string, n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	if n < 2 {
		return perm
	}

	h := sha256.New()
	_, _ = h.Write([]byte(domain))
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], seed)
	_, _ = h.Write(seedBytes[:])
	key := h.Sum(nil)

	var nonce [chacha20.NonceSize]byte
	cipher, err := chacha20.NewUnauthenticatedCipher(key, nonce[:])
	if err != nil {
		panic("prng: chacha20 init failed: " + err.Error())
	}

	stream := make([]byte, 8*n)
	cipher.XORKeyStream(stream, stream)

	for i := n - 1; i > 0; i-- {
		word := binary.LittleEndian.Uint64(stream[8*i : 8*i+8])
		j := int(word % uint64(i+1))
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}
