package lz77

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
)

const lzptMagic = "TPZL"

// lzptTocEntry mirrors one 8-byte table-of-contents record: a byte
// offset and length of one LZ77-framed block within the source.
type lzptTocEntry struct {
	offset, size uint32
}

// IsLzpt sniffs the 4-byte LZPT magic without consuming past it.
func IsLzpt(header [4]byte) bool {
	return string(header[:]) == lzptMagic
}

// DecodeLzpt decodes an LZPT-framed flash image: magic, a power-of-two
// block size exponent, and a table of (offset, size) pairs, each of
// which inflates via the Sony LZ77 frame decoder into exactly
// 2^blockSizeLog bytes. Blocks are concatenated in TOC order.
func DecodeLzpt(r io.ReaderAt, totalSize int64) ([]byte, error) {
	var hdr [16]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "lzpt: read header")
	}
	if string(hdr[:4]) != lzptMagic {
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "lzpt: wrong magic")
	}
	blockSizeLog := binary.LittleEndian.Uint32(hdr[4:8])
	tocOffset := binary.LittleEndian.Uint32(hdr[8:12])
	tocSize := binary.LittleEndian.Uint32(hdr[12:16])
	blockSize := int64(1) << blockSizeLog

	tocBuf := make([]byte, tocSize)
	if _, err := r.ReadAt(tocBuf, int64(tocOffset)); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "lzpt: read TOC")
	}

	var out []byte
	for i := 0; i+8 <= len(tocBuf); i += 8 {
		entry := lzptTocEntry{
			offset: binary.LittleEndian.Uint32(tocBuf[i : i+4]),
			size:   binary.LittleEndian.Uint32(tocBuf[i+4 : i+8]),
		}
		block := make([]byte, entry.size)
		if _, err := r.ReadAt(block, int64(entry.offset)); err != nil {
			return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "lzpt: read block")
		}

		br := bytes.NewReader(block)
		produced := int64(0)
		for produced < blockSize {
			decoded, err := Inflate(br)
			if err != nil {
				return nil, err
			}
			out = append(out, decoded...)
			produced += int64(len(decoded))
		}
	}
	return out, nil
}
