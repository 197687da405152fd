// Package cpio reads "new ASCII format" cpio archives (magic "070701"),
// every numeric field an 8-hex-digit ASCII string, terminated by an
// entry named "TRAILER!!!".
package cpio

import (
	"io"
	"strconv"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
	"github.com/sonyfw/fwimg/internal/streamview"
)

const (
	magic      = "070701"
	headerSize = 110
	trailer    = "TRAILER!!!"
)

type header struct {
	mode, uid, gid, mtime, fileSize, nameSize uint64
}

func parseHeader(b []byte) (header, bool) {
	if len(b) < headerSize || string(b[0:6]) != magic {
		return header{}, false
	}
	field := func(off int) uint64 {
		v, _ := strconv.ParseUint(string(b[off:off+8]), 16, 32)
		return v
	}
	return header{
		mode:     field(14),
		uid:      field(22),
		gid:      field(30),
		mtime:    field(46),
		fileSize: field(54),
		nameSize: field(94),
	}, true
}

// IsCpio sniffs the 6-byte "new ASCII" magic.
func IsCpio(src io.ReaderAt) bool {
	var b [6]byte
	if _, err := src.ReadAt(b[:], 0); err != nil {
		return false
	}
	return string(b[:]) == magic
}

func roundUp(n, i int64) int64 { return (n + i - 1) / i * i }

// Read parses a cpio image out of the first size bytes of src, held in
// memory as a whole — cpio's header-interleaved-with-data layout gives
// no cheaper way to locate entry N without having parsed entries
// 0..N-1's sizes first.
func Read(src io.ReaderAt, size int64) ([]fstree.UnixFile, error) {
	b := make([]byte, size)
	if _, err := src.ReadAt(b, 0); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "cpio: read image")
	}

	var out []fstree.UnixFile
	offset := int64(0)

	for {
		if offset+headerSize > int64(len(b)) {
			return nil, codecerr.Newf(codecerr.KindTruncated, "cpio: truncated header at %d", offset)
		}
		h, ok := parseHeader(b[offset : offset+headerSize])
		if !ok {
			return nil, codecerr.Newf(codecerr.KindWrongMagic, "cpio: bad magic at %d", offset)
		}

		nameStart := offset + headerSize
		nameEnd := nameStart + int64(h.nameSize)
		if nameEnd > int64(len(b)) {
			return nil, codecerr.Newf(codecerr.KindTruncated, "cpio: truncated name at %d", offset)
		}
		name := trimNulString(b[nameStart:nameEnd])

		if name == trailer {
			break
		}

		dataStart := roundUp(nameEnd, 4)
		dataEnd := dataStart + int64(h.fileSize)
		if dataEnd > int64(len(b)) {
			return nil, codecerr.Newf(codecerr.KindTruncated, "cpio: truncated data for %q", name)
		}

		out = append(out, fstree.UnixFile{
			Path:     "/" + name,
			Size:     int64(h.fileSize),
			Mtime:    int64(h.mtime),
			Mode:     uint32(h.mode),
			Uid:      uint32(h.uid),
			Gid:      uint32(h.gid),
			Contents: streamview.NewFilePart(bytesReaderAt(b), dataStart, int64(h.fileSize)),
		})

		offset = roundUp(dataEnd, 4)
	}

	return out, nil
}

func trimNulString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// bytesReaderAt adapts a []byte to io.ReaderAt without pulling in a
// bytes.Reader, whose own cursor this package has no use for.
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
