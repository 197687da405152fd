// Package mbr reads and writes standard PC master boot records used to
// carry up to four raw partitions inside a flash image: the fixed
// four-entry table at offset 0x1BE, sealed by the 0x55AA magic.
package mbr

import (
	"bytes"
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/streamview"
	"github.com/sonyfw/fwimg/internal/structpack"
)

const (
	sectorSize  = 0x200
	numEntries  = 4
	entryTable  = 0x1be
)

var magic = [2]byte{0x55, 0xaa}

var entryDesc = structpack.New(structpack.LittleEndian,
	structpack.Int8("status"),
	structpack.Pad(3),
	structpack.Int8("type"),
	structpack.Pad(3),
	structpack.Int32("start"),
	structpack.Int32("size"),
)

// Partition is one populated MBR slot.
type Partition struct {
	Index    int // 1..4
	Type     byte
	Contents *streamview.FilePart
}

// IsMbr sniffs the 0x55AA magic at offset 0x1FE without consuming
// beyond it.
func IsMbr(src io.ReaderAt) bool {
	var b [2]byte
	if _, err := src.ReadAt(b[:], 0x1fe); err != nil {
		return false
	}
	return b == magic
}

// Read returns every populated partition (nonzero type), in table
// order, as a view over src.
func Read(src io.ReaderAt) ([]Partition, error) {
	if !IsMbr(src) {
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "mbr: bad magic")
	}

	table := make([]byte, numEntries*entryDesc.Size())
	if _, err := src.ReadAt(table, entryTable); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "mbr: read partition table")
	}

	var out []Partition
	for i := 0; i < numEntries; i++ {
		rec, ok := entryDesc.UnpackBytes(table, i*entryDesc.Size())
		if !ok {
			return nil, codecerr.Newf(codecerr.KindTruncated, "mbr: short entry %d", i)
		}
		typ := rec["type"].(uint8)
		if typ == 0 {
			continue
		}
		start := int64(rec["start"].(uint32)) * sectorSize
		size := int64(rec["size"].(uint32)) * sectorSize
		out = append(out, Partition{
			Index:    i + 1,
			Type:     typ,
			Contents: streamview.NewFilePart(src, start, size),
		})
	}
	return out, nil
}

// Write lays out up to four partitions (a nil entry leaves that slot
// absent) after a single zeroed header sector, padding each partition's
// contents up to a sector boundary with 0xFF. Every present partition is
// written with type 1, matching writeMbr's convention of a single fixed
// partition type.
func Write(partitions []io.Reader, w io.Writer) error {
	if len(partitions) > numEntries {
		return codecerr.Newf(codecerr.KindMalformed, "mbr: at most %d partitions, got %d", numEntries, len(partitions))
	}

	var body bytes.Buffer
	type entry struct {
		start, size int64
		typ         byte
	}
	entries := make([]entry, 0, numEntries)

	for _, p := range partitions {
		start := int64(sectorSize + body.Len())
		present := p != nil
		if present {
			if _, err := io.Copy(&body, p); err != nil {
				return codecerr.Wrapf(codecerr.KindTruncated, err, "mbr: copy partition contents")
			}
			if rem := body.Len() % sectorSize; rem != 0 {
				body.Write(bytes.Repeat([]byte{0xff}, sectorSize-rem))
			}
		}
		typ := byte(0)
		if present {
			typ = 1
		}
		entries = append(entries, entry{start: start, size: int64(sectorSize+body.Len()) - start, typ: typ})
	}
	for len(entries) < numEntries {
		entries = append(entries, entry{})
	}

	header := make([]byte, sectorSize)
	for i, e := range entries {
		rec := entryDesc.Pack(structpack.Record{
			"status": uint8(0),
			"type":   uint8(e.typ),
			"start":  uint32(e.start / sectorSize),
			"size":   uint32(e.size / sectorSize),
		})
		copy(header[entryTable+i*entryDesc.Size():], rec)
	}
	copy(header[0x1fe:], magic[:])

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}
