// Package tarfs reads USTAR tar archives, the same format the firmware
// tar embedded in an FDAT payload uses (see internal/fdatcodec). The
// heavy lifting is stdlib archive/tar; this package only flattens the
// member walk into UnixFile records.
package tarfs

import (
	"archive/tar"
	"bytes"
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
)

// IsTar sniffs the USTAR magic at its fixed header offset.
func IsTar(src io.ReaderAt) bool {
	var magic [8]byte
	if _, err := src.ReadAt(magic[:], 257); err != nil {
		return false
	}
	return string(magic[:6]) == "ustar\x00"
}

// Read parses a USTAR tar stream out of the first size bytes of src.
// Tar's sequential, non-indexed layout means the whole member list is
// walked up front, and each regular member's data is read into memory
// during that walk; its Contents is a reader over that copy.
func Read(src io.ReaderAt, size int64) ([]fstree.UnixFile, error) {
	tr := tar.NewReader(io.NewSectionReader(src, 0, size))

	var out []fstree.UnixFile
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, codecerr.Wrapf(codecerr.KindMalformed, err, "tarfs: read header")
		}

		var contents io.ReadSeeker
		var mode uint32
		switch hdr.Typeflag {
		case tar.TypeDir:
			mode = fstree.ModeDir
		case tar.TypeSymlink:
			mode = fstree.ModeSymlink
			contents = bytes.NewReader([]byte(hdr.Linkname))
		default:
			mode = fstree.ModeRegular
			data := make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, data); err != nil && err != io.EOF {
				return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "tarfs: read %q", hdr.Name)
			}
			contents = bytes.NewReader(data)
		}

		out = append(out, fstree.UnixFile{
			Path:     "/" + hdr.Name,
			Size:     hdr.Size,
			Mtime:    hdr.ModTime.Unix(),
			Mode:     mode | uint32(hdr.Mode),
			Uid:      uint32(hdr.Uid),
			Gid:      uint32(hdr.Gid),
			Contents: contents,
		})
	}
	return out, nil
}
