// Package lzh reads the single-entry, uncompressed-only LZH container
// used by some older Sony updaters alongside the FDAT/DAT stack.
//
// Only method "-lh0-" (stored, no compression) is supported; any other
// method is Unsupported.
package lzh

import (
	"io"
	"time"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/streamview"
	"github.com/sonyfw/fwimg/internal/structpack"
)

var headerDesc = structpack.New(structpack.LittleEndian,
	structpack.Int8("size"),
	structpack.Int8("checksum"),
	structpack.Bytes("method", 5),
	structpack.Int32("compressedSize"),
	structpack.Int32("uncompressedSize"),
	structpack.Int32("date"),
	structpack.Int8("attr"),
	structpack.Int8("level"),
)

var storedMethod = []byte("-lh0-")

// File is the single entry an LZH container carries.
type File struct {
	Size     int64
	Mtime    int64
	Contents *streamview.FilePart
}

// Is sniffs the header's method field without consuming past it.
func Is(src io.ReaderAt) bool {
	buf := make([]byte, headerDesc.Size())
	if _, err := src.ReadAt(buf, 0); err != nil {
		return false
	}
	rec, ok := headerDesc.UnpackBytes(buf, 0)
	return ok && string(rec["method"].([]byte)) == string(storedMethod)
}

// Read parses the header at the start of src and returns its single
// stored entry.
func Read(src io.ReaderAt) (File, error) {
	buf := make([]byte, headerDesc.Size())
	if _, err := src.ReadAt(buf, 0); err != nil {
		return File{}, codecerr.Wrapf(codecerr.KindTruncated, err, "lzh: read header")
	}
	h, ok := headerDesc.UnpackBytes(buf, 0)
	if !ok {
		return File{}, codecerr.Newf(codecerr.KindTruncated, "lzh: short header")
	}
	if string(h["method"].([]byte)) != string(storedMethod) {
		return File{}, codecerr.Newf(codecerr.KindUnsupported, "lzh: only stored (-lh0-) entries are supported")
	}

	level := h["level"].(uint8)
	headerSize := int64(h["size"].(uint8))
	if level == 2 {
		headerSize += int64(h["checksum"].(uint8)) << 8
	}

	date := h["date"].(uint32)
	var mtime int64
	if level == 2 {
		mtime = int64(int32(date))
	} else {
		mtime = dosMtime(date)
	}

	size := int64(h["uncompressedSize"].(uint32))
	return File{
		Size:     size,
		Mtime:    mtime,
		Contents: streamview.NewFilePart(src, headerSize, size),
	}, nil
}

// dosMtime decodes the level 0/1 packed date field: year since 1980 in
// bits 25-31, month 21-24, day 16-20, hour 11-15, minute 5-10, and
// 2-second-resolution seconds in bits 0-4.
func dosMtime(date uint32) int64 {
	year := 1980 + int(date>>25)
	month := int((date >> 21) & 0xf)
	day := int((date >> 16) & 0x1f)
	hour := int((date >> 11) & 0x1f)
	minute := int((date >> 5) & 0x3f)
	second := int(date&0x1f) * 2
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC).Unix()
}
