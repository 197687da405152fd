// Package wbi reads warm-boot images: a small header followed by
// LZ77-compressed kernel sections, each with its own load address.
//
// Leading empty (all-zero or all-0xFF) sectors are skipped before the
// section data begins; each section's LZ77 frames stream through
// internal/lz77.
package wbi

import (
	"bytes"
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/lz77"
	"github.com/sonyfw/fwimg/internal/streamview"
	"github.com/sonyfw/fwimg/internal/structpack"
)

const (
	magic            = "WBI1"
	version          = 0x20060224
	flagCompressed   = 1
)

var headerDesc = structpack.New(structpack.LittleEndian,
	structpack.Bytes("magic", 4),
	structpack.Int32("numSections"),
	structpack.Int32("flag"),
	structpack.Int32("resumeVector"),
	structpack.Int32("version"),
	structpack.Int32("sectorSize"),
	structpack.Int32("dataSize"),
	structpack.Int32("kernelStart"),
	structpack.Int32("kernelSize"),
	structpack.Int32("kernelChecksum"),
	structpack.Int32("oDataSize"),
)

var sectionDesc = structpack.New(structpack.LittleEndian,
	structpack.Int32("addr"),
	structpack.Int32("size"),
	structpack.Int32("checksum"),
	structpack.Int32("flag"),
	structpack.Int32("osize"),
	structpack.Int32("virt"),
	structpack.Pad(8),
)

// Chunk is one decompressed warm-boot section.
type Chunk struct {
	PhysicalAddr uint32
	VirtualAddr  uint32
	Size         int64
	Contents     *streamview.ChunkedFile
}

// Is sniffs the "WBI1" magic without consuming past it.
func Is(src io.ReaderAt) bool {
	var b [4]byte
	if _, err := src.ReadAt(b[:], 0); err != nil {
		return false
	}
	return string(b[:]) == magic
}

// Read parses a warm-boot image out of src, returning one Chunk per
// section in header order. Only the compressed-flag variant is
// supported.
func Read(src io.ReaderAt) ([]Chunk, error) {
	hbuf := make([]byte, headerDesc.Size())
	if _, err := src.ReadAt(hbuf, 0); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "wbi: read header")
	}
	h, ok := headerDesc.UnpackBytes(hbuf, 0)
	if !ok {
		return nil, codecerr.Newf(codecerr.KindTruncated, "wbi: short header")
	}
	if string(h["magic"].([]byte)) != magic {
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "wbi: bad magic")
	}
	if h["version"].(uint32) != version {
		return nil, codecerr.Newf(codecerr.KindWrongVersion, "wbi: unsupported version %#x", h["version"].(uint32))
	}
	if h["flag"].(uint32)&flagCompressed == 0 {
		return nil, codecerr.Newf(codecerr.KindUnsupported, "wbi: uncompressed image not supported")
	}

	sectorSize := int64(h["sectorSize"].(uint32))
	dataSize := int64(h["dataSize"].(uint32))
	numSections := int(h["numSections"].(uint32))

	headerSize := sectorSize
	for {
		sector := make([]byte, sectorSize)
		if _, err := src.ReadAt(sector, headerSize); err != nil {
			return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "wbi: scan for first populated sector")
		}
		if !allBytes(sector, 0x00) && !allBytes(sector, 0xff) {
			break
		}
		headerSize += sectorSize
	}

	var out []Chunk
	offset := int64(0)
	for i := 0; i < numSections; i++ {
		sbuf := make([]byte, sectionDesc.Size())
		sOff := headerSize + dataSize + int64(i)*int64(sectionDesc.Size())
		if _, err := src.ReadAt(sbuf, sOff); err != nil {
			return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "wbi: read section header %d", i)
		}
		s, ok := sectionDesc.UnpackBytes(sbuf, 0)
		if !ok {
			return nil, codecerr.Newf(codecerr.KindTruncated, "wbi: short section header %d", i)
		}

		size := int64(s["size"].(uint32))
		osize := int64(s["osize"].(uint32))
		sectionOffset := headerSize + offset

		factory := func() streamview.Producer {
			block := io.NewSectionReader(src, sectionOffset, size)
			read := int64(0)
			return func() ([]byte, error) {
				if read >= osize {
					return nil, io.EOF
				}
				chunk, err := lz77.Inflate(block)
				if err != nil {
					return nil, err
				}
				read += int64(len(chunk))
				if read >= osize {
					return chunk, io.EOF
				}
				return chunk, nil
			}
		}

		out = append(out, Chunk{
			PhysicalAddr: s["addr"].(uint32),
			VirtualAddr:  s["virt"].(uint32),
			Size:         osize,
			Contents:     streamview.New(factory, osize),
		})
		offset += size
	}
	return out, nil
}

func allBytes(b []byte, v byte) bool {
	return bytes.Count(b, []byte{v}) == len(b)
}
