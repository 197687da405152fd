// Package lz77 decodes the Sony kernel LZ77 variant used by cramfs
// (when so-flagged), warm-boot images, and LZPT-compressed flash
// images: a single function consuming an io.Reader and returning one
// decoded block.
package lz77

import (
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
)

// lengths maps a 4-bit length index (0..15) to a copy length. Indices
// 0..13 are 3..16 contiguous; 14 and 15 are the two long-run escapes.
var lengths = [16]int{3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 32, 64}

// Inflate decodes one frame from r and returns its decoded bytes.
//
// A frame begins with a one-byte type discriminator:
//   - 0x0F: uncompressed. One reserved byte (read and discarded, never
//     interpreted), then a little-endian u16 length, then that many
//     literal bytes.
//   - 0xF0: compressed. A stream of 8-bit flag bytes; each of a flag's
//     bits (LSB first) selects either one literal byte (bit clear) or a
//     two-byte (length-index, back-distance) back-reference (bit set).
//     A back-reference with backDistance == 0 terminates the frame.
//     Back-references may overlap their own source region (classic LZSS
//     run-length behaviour): copying proceeds byte-by-byte against the
//     growing output so a distance-1 reference replicates the prior byte.
//
// Any other discriminator is Unsupported.
func Inflate(r io.Reader) ([]byte, error) {
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "lz77: read frame type")
	}

	switch typ[0] {
	case 0x0f:
		return inflateUncompressed(r)
	case 0xf0:
		return inflateCompressed(r)
	default:
		return nil, codecerr.Newf(codecerr.KindUnsupported, "lz77: unknown frame type %#x", typ[0])
	}
}

func inflateUncompressed(r io.Reader) ([]byte, error) {
	var hdr [3]byte // 1 reserved byte + u16 LE length
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "lz77: read uncompressed header")
	}
	n := int(hdr[1]) | int(hdr[2])<<8
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "lz77: read uncompressed payload")
	}
	return out, nil
}

func inflateCompressed(r io.Reader) ([]byte, error) {
	var out []byte
	var one [1]byte
	var two [2]byte

	for {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "lz77: read flag byte")
		}
		flags := one[0]

		if flags == 0x00 {
			// Performance shortcut: 8 literal bytes in one step.
			lit := make([]byte, 8)
			if _, err := io.ReadFull(r, lit); err != nil {
				return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "lz77: read literal run")
			}
			out = append(out, lit...)
			continue
		}

		for i := 0; i < 8; i++ {
			if flags&(1<<uint(i)) == 0 {
				if _, err := io.ReadFull(r, one[:]); err != nil {
					return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "lz77: read literal")
				}
				out = append(out, one[0])
				continue
			}

			if _, err := io.ReadFull(r, two[:]); err != nil {
				return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "lz77: read back-reference")
			}
			length := lengths[two[0]>>4]
			backDistance := int(two[0]&0x0f)<<8 | int(two[1])

			if backDistance == 0 {
				return out, nil
			}
			if backDistance > len(out) {
				return nil, codecerr.Newf(codecerr.KindMalformed, "lz77: back-distance %d exceeds output length %d", backDistance, len(out))
			}

			start := len(out) - backDistance
			for j := 0; j < length; j++ {
				out = append(out, out[start+j])
			}
		}
	}
}
