// Package flashparts reads and writes the SDM partition table that
// precedes a raw flash dump: an "8246"-magic header followed by fixed
// 16-byte partition entries.
package flashparts

import (
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/streamview"
	"github.com/sonyfw/fwimg/internal/structpack"
)

const headerSize = 32

var headerDesc = structpack.New(structpack.LittleEndian,
	structpack.Bytes("magic", 4),
	structpack.Bytes("version", 4),
	structpack.Int32("numPartitions"),
	structpack.Pad(20),
)

var entryDesc = structpack.New(structpack.LittleEndian,
	structpack.Int32("start"),
	structpack.Int32("size"),
	structpack.Int32("type"),
	structpack.Int32("flag"),
)

var tableMagic = [4]byte{'8', '2', '4', '6'}

// Partition is one populated SDM partition entry.
type Partition struct {
	Index    int
	Type     uint32
	Flag     uint32
	Contents *streamview.FilePart
}

// Is sniffs the 4-byte "8246" magic without consuming past it.
func Is(src io.ReaderAt) bool {
	var b [4]byte
	if _, err := src.ReadAt(b[:], 0); err != nil {
		return false
	}
	return b == tableMagic
}

// Read parses the partition table at the start of src and returns every
// entry whose flag bit 0 is set, in table order, as views over src.
func Read(src io.ReaderAt) ([]Partition, error) {
	hbuf := make([]byte, headerDesc.Size())
	if _, err := src.ReadAt(hbuf, 0); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "flashparts: read header")
	}
	h, ok := headerDesc.UnpackBytes(hbuf, 0)
	if !ok {
		return nil, codecerr.Newf(codecerr.KindTruncated, "flashparts: short header")
	}
	magic := h["magic"].([]byte)
	if len(magic) != 4 || magic[0] != tableMagic[0] || magic[1] != tableMagic[1] || magic[2] != tableMagic[2] || magic[3] != tableMagic[3] {
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "flashparts: bad magic")
	}

	n := int(h["numPartitions"].(uint32))
	buf := make([]byte, n*entryDesc.Size())
	if _, err := src.ReadAt(buf, headerSize); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "flashparts: read partition entries")
	}

	var out []Partition
	for i := 0; i < n; i++ {
		rec, ok := entryDesc.UnpackBytes(buf, i*entryDesc.Size())
		if !ok {
			return nil, codecerr.Newf(codecerr.KindTruncated, "flashparts: short entry %d", i)
		}
		flag := rec["flag"].(uint32)
		if flag&1 == 0 {
			continue
		}
		start := int64(rec["start"].(uint32))
		size := int64(rec["size"].(uint32))
		out = append(out, Partition{
			Index:    i + 1,
			Type:     rec["type"].(uint32),
			Flag:     flag,
			Contents: streamview.NewFilePart(src, start, size),
		})
	}
	return out, nil
}

// Write lays out a header followed by one entry per element of
// partitions (a nil element becomes an absent entry with type and flag
// 0), then the partitions' concatenated contents. Present partitions are always
// written with type=1, flag=0xFFFFFFFF, the SDM writer convention noted
// alongside the MBR writer's own type=1 convention.
func Write(partitions []io.Reader, w io.Writer) error {
	type entry struct {
		start, size int64
	}
	entries := make([]entry, len(partitions))

	bodyOffset := int64(headerSize + len(partitions)*entryDesc.Size())
	cursor := bodyOffset
	bodies := make([][]byte, len(partitions))
	for i, p := range partitions {
		if p == nil {
			continue
		}
		b, err := io.ReadAll(p)
		if err != nil {
			return codecerr.Wrapf(codecerr.KindTruncated, err, "flashparts: read partition %d", i)
		}
		bodies[i] = b
		entries[i] = entry{start: cursor, size: int64(len(b))}
		cursor += int64(len(b))
	}

	header := headerDesc.Pack(structpack.Record{
		"magic":         tableMagic[:],
		"version":       []byte("1.00"),
		"numPartitions": uint32(len(partitions)),
	})
	if _, err := w.Write(header); err != nil {
		return err
	}

	for i, p := range partitions {
		typ, flag := uint32(0), uint32(0)
		if p != nil {
			typ, flag = 1, 0xffffffff
		}
		rec := entryDesc.Pack(structpack.Record{
			"start": uint32(entries[i].start),
			"size":  uint32(entries[i].size),
			"type":  typ,
			"flag":  flag,
		})
		if _, err := w.Write(rec); err != nil {
			return err
		}
	}

	for _, b := range bodies {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}
