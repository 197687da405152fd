// Package xor55 implements the lagged-subtract PRNG keystream used as a
// stream cipher by the ASH and DSLR-era firmware crypters. It is the
// classic "subtractive 55" additive congruential generator (Knuth
// TAOCP 3.2.2, vol 2's "technique 12") run over 32-bit words mod 1e9,
// used here purely as a keystream, never for anything requiring
// cryptographic randomness.
package xor55

import "encoding/binary"

const ringSize = 55
const modulus = 1_000_000_000

// step computes (a - b) mod 1e9 with Knuth's wraparound rule.
func step(a, b uint32) uint32 {
	if a < b {
		return a - b + modulus
	}
	return a - b
}

// generator holds the 55-word ring and produces successive 32-bit words.
type generator struct {
	state [ringSize]uint32
}

func newGenerator(seed uint32) *generator {
	g := &generator{}
	a, b := seed, uint32(1)
	g.state[ringSize-1] = a
	for i := 1; i < ringSize; i++ {
		g.state[(21*i%ringSize)-1] = b
		a, b = b, step(a, b)
	}
	return g
}

// next runs one full 55-word refresh cycle and appends each word (in the
// requested endianness) to dst.
func (g *generator) next(dst []byte, bigEndian bool) []byte {
	for i := 0; i < ringSize; i++ {
		lag := (i - 24 + ringSize) % ringSize
		g.state[i] = step(g.state[i], g.state[lag])
		var buf [4]byte
		if bigEndian {
			binary.BigEndian.PutUint32(buf[:], g.state[i])
		} else {
			binary.LittleEndian.PutUint32(buf[:], g.state[i])
		}
		dst = append(dst, buf[:]...)
	}
	return dst
}

// Keystream generates n bytes of keystream seeded by seed, in the
// requested word endianness. The first 12*55 bytes are always
// discarded; consumers never see them.
func Keystream(seed uint32, n int, bigEndian bool) []byte {
	g := newGenerator(seed)
	const discard = 12 * ringSize

	var mask []byte
	for len(mask) < discard+n {
		mask = g.next(mask, bigEndian)
	}
	return mask[discard : discard+n]
}

// Crypt XORs data against a seed-derived keystream of matching length.
// The cipher is symmetric: Crypt(seed, Crypt(seed, data)) == data.
func Crypt(seed uint32, data []byte, bigEndian bool) []byte {
	mask := Keystream(seed, len(data), bigEndian)
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ mask[i]
	}
	return out
}
