// Package bootloader reads Sony's EXBL/INFO-style bootloader partitions:
// a page-addressed file table describing firmware blobs for the boot
// ROM. The two header magics select between two on-disk file-table
// layouts.
package bootloader

import (
	"bytes"
	"fmt"
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/streamview"
	"github.com/sonyfw/fwimg/internal/structpack"
)

var (
	magicExbl = [4]byte{'E', 'X', 'B', 'L'}
	magicInfo = [4]byte{'I', 'N', 'F', 'O'}
)

var headerDesc = structpack.New(structpack.LittleEndian,
	structpack.Bytes("magic", 4),
	structpack.Pad(4),
	structpack.Int32("pageSize"),
	structpack.Pad(4),
	structpack.Int32("pageSizeAlt"),
	structpack.Pad(44),
)

// fileHeader1 mirrors BootFileHeader1 (EXBL): a page/nPage addressed
// entry with a 40-byte name.
var fileHeader1 = structpack.New(structpack.LittleEndian,
	structpack.Int32("page"),
	structpack.Int32("nPage"),
	structpack.Int32("checksum"),
	structpack.Int32("version"),
	structpack.Int32("loadaddr"),
	structpack.Pad(4),
	structpack.Bytes("name", 40),
)

// fileHeader2 mirrors BootFileHeader2 (INFO): die/plane/block/page
// addressed, 24-byte name.
var fileHeader2 = structpack.New(structpack.LittleEndian,
	structpack.Int32("die"),
	structpack.Int32("plane"),
	structpack.Int32("block"),
	structpack.Int32("page"),
	structpack.Int32("nPage"),
	structpack.Pad(4),
	structpack.Int32("checksum"),
	structpack.Int32("version"),
	structpack.Int32("loadaddr"),
	structpack.Pad(4),
	structpack.Bytes("name", 24),
)

// File is one entry of a bootloader partition's file table.
type File struct {
	Name     string
	Size     int64
	Version  string // "" if the version field was zero
	LoadAddr uint32
	Contents *streamview.FilePart
}

// Is sniffs the header magic (either flavour) without consuming past it.
func Is(src io.ReaderAt) bool {
	var b [4]byte
	if _, err := src.ReadAt(b[:], 0); err != nil {
		return false
	}
	return b == magicExbl || b == magicInfo
}

// Read parses the file table out of src, dispatching on the header's
// magic to the matching file-entry layout.
func Read(src io.ReaderAt) ([]File, error) {
	hbuf := make([]byte, headerDesc.Size())
	if _, err := src.ReadAt(hbuf, 0); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "bootloader: read header")
	}
	h, ok := headerDesc.UnpackBytes(hbuf, 0)
	if !ok {
		return nil, codecerr.Newf(codecerr.KindTruncated, "bootloader: short header")
	}

	magic := [4]byte{}
	copy(magic[:], h["magic"].([]byte))

	var entryDesc *structpack.Desc
	switch magic {
	case magicExbl:
		entryDesc = fileHeader1
	case magicInfo:
		entryDesc = fileHeader2
	default:
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "bootloader: unknown magic %q", magic)
	}

	pageSize := h["pageSize"].(uint32)
	if pageSize == 0xffffffff {
		pageSize = h["pageSizeAlt"].(uint32)
	}
	if pageSize == 0 {
		return nil, codecerr.Newf(codecerr.KindMalformed, "bootloader: zero page size")
	}

	var out []File
	for off := headerDesc.Size(); off+entryDesc.Size() <= int(pageSize); off += entryDesc.Size() {
		buf := make([]byte, entryDesc.Size())
		if _, err := src.ReadAt(buf, int64(off)); err != nil {
			return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "bootloader: read entry at %d", off)
		}
		e, ok := entryDesc.UnpackBytes(buf, 0)
		if !ok {
			return nil, codecerr.Newf(codecerr.KindTruncated, "bootloader: short entry at %d", off)
		}
		name := trimNulFF(e["name"].([]byte))
		if name == "" {
			continue
		}

		version := ""
		if v := e["version"].(uint32); v != 0 {
			version = fmt.Sprintf("%d.%02d.%02d", (v>>24)&0xff, (v>>16)&0xff, (v>>8)&0xff)
		}

		page := int64(e["page"].(uint32))
		nPage := int64(e["nPage"].(uint32))
		start := page * int64(pageSize)
		size := nPage * int64(pageSize)

		out = append(out, File{
			Name:     name,
			Size:     size,
			Version:  version,
			LoadAddr: e["loadaddr"].(uint32),
			Contents: streamview.NewFilePart(src, start, size),
		})
	}
	return out, nil
}

func trimNulFF(b []byte) string {
	return string(bytes.TrimRight(b, "\x00\xff"))
}
