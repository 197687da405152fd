package fwimg

import (
	"bytes"
	"io"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sonyfw/fwimg/internal/fsreaders/axfs"
	"github.com/sonyfw/fwimg/internal/fsreaders/cpio"
	"github.com/sonyfw/fwimg/internal/fsreaders/cramfs"
	"github.com/sonyfw/fwimg/internal/fsreaders/ext2"
	"github.com/sonyfw/fwimg/internal/fsreaders/fat"
	"github.com/sonyfw/fwimg/internal/fsreaders/gzipfs"
	"github.com/sonyfw/fwimg/internal/fsreaders/squashfs"
	"github.com/sonyfw/fwimg/internal/fsreaders/tarfs"
	"github.com/sonyfw/fwimg/internal/lz77"
)

// archiveProbe pairs a format's magic sniff with its reader; the
// probes are tried linearly, first match wins.
type archiveProbe struct {
	name   string
	isFn   func(io.ReaderAt) bool
	readFn func(io.ReaderAt, int64) ([]UnixFile, error)
}

// archiveProbes is tried in order by IsArchive/ReadArchive.
var archiveProbes = []archiveProbe{
	{name: "cramfs", isFn: cramfs.IsCramfs, readFn: cramfs.Read},
	{name: "ext2", isFn: ext2.IsExt2, readFn: ext2.Read},
	{name: "fat", isFn: fat.IsFat, readFn: fat.Read},
	{name: "axfs", isFn: axfs.IsAxfs, readFn: axfs.Read},
	{name: "squashfs", isFn: squashfs.IsSquashfs, readFn: squashfs.Read},
	{name: "cpio", isFn: cpio.IsCpio, readFn: cpio.Read},
	{name: "tar", isFn: tarfs.IsTar, readFn: tarfs.Read},
	{name: "gzip", isFn: gzipfs.IsGzip, readFn: gzipfs.Read},
	{name: "lzpt", isFn: isLzpt, readFn: readLzpt},
}

func isLzpt(src io.ReaderAt) bool {
	var magic [4]byte
	if _, err := src.ReadAt(magic[:], 0); err != nil {
		return false
	}
	return lz77.IsLzpt(magic)
}

// readLzpt presents a decoded LZPT flash image as a single bare member,
// the same shape gzipfs uses for its one-file wrapper.
func readLzpt(src io.ReaderAt, size int64) ([]UnixFile, error) {
	data, err := lz77.DecodeLzpt(src, size)
	if err != nil {
		return nil, err
	}
	return []UnixFile{{
		Path:     "",
		Size:     int64(len(data)),
		Mode:     ModeRegular,
		Contents: bytes.NewReader(data),
	}}, nil
}

// IsArchive reports whether src is recognized by any registered
// filesystem reader, without consuming past its magic bytes.
func IsArchive(src io.ReaderAt) bool {
	for _, p := range archiveProbes {
		if p.isFn(src) {
			return true
		}
	}
	return false
}

// Archive is the fully-walked entry list of one filesystem image.
// Entry order is parent-first, depth-first; each entry's Contents still
// streams lazily from the underlying source.
type Archive struct {
	files []UnixFile
}

// ReadArchive probes src against every registered filesystem format and
// parses the first match. size is the total length of src.
func ReadArchive(src io.ReaderAt, size int64) (*Archive, error) {
	for _, p := range archiveProbes {
		if !p.isFn(src) {
			continue
		}
		files, err := p.readFn(src, size)
		if err != nil {
			return nil, err
		}
		return &Archive{files: files}, nil
	}
	return nil, Newf(KindUnsupported, "no registered filesystem format matched")
}

// Files returns every entry in walk order.
func (a *Archive) Files() []UnixFile { return a.files }

// Find returns every entry whose path matches the doublestar glob
// pattern (patterns are matched against Path with any leading slash
// stripped, so "lib/**/*.so" matches both rooted and bare archives).
func (a *Archive) Find(pattern string) ([]UnixFile, error) {
	var out []UnixFile
	for _, f := range a.files {
		ok, err := doublestar.Match(pattern, strings.TrimPrefix(f.Path, "/"))
		if err != nil {
			return nil, Wrapf(KindMalformed, err, "archive: bad pattern %q", pattern)
		}
		if ok {
			out = append(out, f)
		}
	}
	return out, nil
}
