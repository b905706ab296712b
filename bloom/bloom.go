// Package bloom implements the counting Bloom filter used by witnesses to
// summarize a round: participant membership, first-seen broadcast
// coverage, and first-seen commitment order.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/bits-and-blooms/bitset"

	"github.com/oasislabs/psyche-coordinator/go/common/crypto/hash"
)

// Filter is a counting Bloom filter: a presence bitset plus a parallel
// per-slot reference count. Add(x) followed by Contains(x) always returns
// true because the bit for every one of x's k slots is set and never
// cleared; the counts exist so a future decrement operation would not
// have to recompute slots.
type Filter struct {
	bits   *bitset.BitSet
	counts []uint16
	salts  []uint64
	m      uint64
}

// Params derives (m bits, k hash functions) from the expected item count,
// the target false-positive rate and a hard ceiling on bit-array size,
// using the standard optimal-Bloom-filter formulas.
func Params(numItems uint64, targetFalsePositiveRate float64, maxBits uint64) (m uint64, k uint64) {
	if numItems == 0 {
		numItems = 1
	}
	n := float64(numItems)
	ln2 := math.Ln2

	mf := math.Ceil(-n * math.Log(targetFalsePositiveRate) / (ln2 * ln2))
	m = uint64(mf)
	if m < 8 {
		m = 8
	}
	if maxBits > 0 && m > maxBits {
		m = maxBits
	}

	kf := math.Round(float64(m) / n * ln2)
	k = uint64(kf)
	if k < 1 {
		k = 1
	}
	if k > 32 {
		k = 32
	}
	return m, k
}

// New constructs a Filter sized for numItems entries at targetFalsePositiveRate,
// never exceeding maxBits total slots.
func New(numItems uint64, targetFalsePositiveRate float64, maxBits uint64) *Filter {
	m, k := Params(numItems, targetFalsePositiveRate, maxBits)
	return newFilter(m, k)
}

func newFilter(m, k uint64) *Filter {
	salts := make([]uint64, k)
	for i := range salts {
		salts[i] = uint64(i)
	}
	return &Filter{
		bits:   bitset.New(uint(m)),
		counts: make([]uint16, m),
		salts:  salts,
		m:      m,
	}
}

// slot derives the bit index for item under salt via SHA-256(salt || item).
func (f *Filter) slot(item hash.Hash, salt uint64) uint64 {
	var saltBytes [8]byte
	binary.LittleEndian.PutUint64(saltBytes[:], salt)
	h := hash.NewFrom(saltBytes[:], item[:])
	return binary.LittleEndian.Uint64(h[:8]) % f.m
}

// Add inserts item's k slots into the filter.
func (f *Filter) Add(item hash.Hash) {
	for _, salt := range f.salts {
		idx := f.slot(item, salt)
		f.bits.Set(uint(idx))
		if f.counts[idx] < math.MaxUint16 {
			f.counts[idx]++
		}
	}
}

// Contains reports whether every one of item's k slots is set. False
// positives are possible (by design); false negatives are not, as long as
// item was previously Add-ed.
func (f *Filter) Contains(item hash.Hash) bool {
	for _, salt := range f.salts {
		idx := f.slot(item, salt)
		if !f.bits.Test(uint(idx)) {
			return false
		}
	}
	return true
}

// Wire is the on-the-wire representation of a Filter: the raw bit array
// plus the salts used to derive it.
type Wire struct {
	BitArray []uint64 `codec:"bit_array"`
	Salts    []uint64 `codec:"salts"`
	Bits     uint64   `codec:"bits"`
}

// ToWire serializes f for transmission in a Witness message.
func (f *Filter) ToWire() Wire {
	return Wire{
		BitArray: f.bits.Bytes(),
		Salts:    append([]uint64(nil), f.salts...),
		Bits:     f.m,
	}
}

// FromWire reconstructs a Filter from its wire representation. The
// reconstructed filter has no counts, matching that the wire format
// itself carries only the bit array and salts; counts are a local-only
// bookkeeping aid.
func FromWire(w Wire) *Filter {
	bs := bitset.New(uint(w.Bits))
	for wordIdx, word := range w.BitArray {
		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) != 0 {
				bs.Set(uint(wordIdx*64 + bit))
			}
		}
	}
	return &Filter{
		bits:  bs,
		salts: append([]uint64(nil), w.Salts...),
		m:     w.Bits,
	}
}
