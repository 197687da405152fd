// Package gzipfs reads a single-file gzip wrapper, yielding the one
// decompressed member as a bare UnixFile with no path segment.
package gzipfs

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
)

// IsGzip sniffs the 2-byte gzip magic.
func IsGzip(src io.ReaderAt) bool {
	var magic [2]byte
	if _, err := src.ReadAt(magic[:], 0); err != nil {
		return false
	}
	return magic[0] == 0x1f && magic[1] == 0x8b
}

// Read inflates the single gzip member in the first size bytes of src.
// A single-file archive's sole member has no path of its own (the ""
// convention of UnixFile.Path), so the caller is left to name the
// decoded content.
func Read(src io.ReaderAt, size int64) ([]fstree.UnixFile, error) {
	zr, err := gzip.NewReader(io.NewSectionReader(src, 0, size))
	if err != nil {
		return nil, codecerr.Wrapf(codecerr.KindWrongMagic, err, "gzipfs: gzip header")
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, codecerr.Wrapf(codecerr.KindMalformed, err, "gzipfs: inflate")
	}

	return []fstree.UnixFile{{
		Path:     "",
		Size:     int64(len(data)),
		Mtime:    zr.ModTime.Unix(),
		Mode:     fstree.ModeRegular,
		Contents: bytes.NewReader(data),
	}}, nil
}
