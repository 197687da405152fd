// Package axfs reads Advanced XIP Filesystem images: a
// region-table filesystem where every field — names, inode metadata,
// file data — lives in one of eighteen independently-addressed regions,
// fourteen of which are themselves column-major integer tables rather
// than flat byte arrays. File contents mix three node types: raw XIP
// pages, zlib-compressed blocks, and byte-aligned region slices.
package axfs

import (
	"bytes"
	"github.com/klauspost/compress/zlib"
	"encoding/binary"
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
	"github.com/sonyfw/fwimg/internal/structpack"
)

var (
	magicBytes = [4]byte{0x48, 0xa0, 0xe4, 0xcd}
	signature  = []byte("Advanced XIP FS\x00")
)

var headerDesc = structpack.New(structpack.BigEndian,
	structpack.Bytes("magic", 4),
	structpack.Bytes("signature", 16),
	structpack.Bytes("digest", 40),
	structpack.Int32("blockSize"),
	structpack.Int64("files"),
	structpack.Int64("size"),
	structpack.Int64("blocks"),
	structpack.Int64("mmapSize"),
	structpack.Bytes("regions", 144),
	structpack.Pad(13),
)

var regionDescDesc = structpack.New(structpack.BigEndian,
	structpack.Int64("offset"),
	structpack.Int64("size"),
	structpack.Int64("compressedSize"),
	structpack.Int64("maxIndex"),
	structpack.Int8("tableByteDepth"),
	structpack.Int8("incore"),
)

// regionNames is positional: the first four are flat byte regions, the
// rest are column-major integer tables (axfs's "table regions").
var regionNames = []string{
	"strings", "xip", "byteAligned", "compressed",
	"nodeType", "nodeIndex", "cnodeOffset", "cnodeIndex",
	"banodeOffset", "cblockOffset", "fileSize", "nameOffset",
	"numEntries", "modeIndex", "arrayIndex", "modes", "uids", "gids",
}

const firstTableRegion = 4

func unpackHeader(data []byte) (structpack.Record, bool) {
	return headerDesc.UnpackBytes(data, 0)
}

// IsAxfs sniffs the header magic and signature.
func IsAxfs(src io.ReaderAt) bool {
	buf := make([]byte, headerDesc.Size())
	if _, err := src.ReadAt(buf, 0); err != nil {
		return false
	}
	rec, ok := unpackHeader(buf)
	if !ok {
		return false
	}
	return bytes.Equal(rec["magic"].([]byte), magicBytes[:]) && bytes.Equal(rec["signature"].([]byte), signature)
}

// Read parses an axfs image out of the first size bytes of src. The
// whole image is read into memory and every region and table decoded
// up front, then inodes are walked depth-first from inode 0 (the root),
// each file's contents assembled as its inode is reached.
func Read(src io.ReaderAt, size int64) ([]fstree.UnixFile, error) {
	data := make([]byte, size)
	if _, err := src.ReadAt(data, 0); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "axfs: read image")
	}

	rec, ok := unpackHeader(data)
	if !ok {
		return nil, codecerr.Newf(codecerr.KindTruncated, "axfs: read header")
	}
	if !bytes.Equal(rec["magic"].([]byte), magicBytes[:]) || !bytes.Equal(rec["signature"].([]byte), signature) {
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "axfs: bad magic/signature")
	}

	regionPtrs := rec["regions"].([]byte)

	regions := make(map[string][]byte, firstTableRegion)
	tables := make(map[string][]int64, len(regionNames)-firstTableRegion)

	for i, name := range regionNames {
		ptrOff := int64(binary.BigEndian.Uint64(regionPtrs[i*8 : i*8+8]))
		buf := make([]byte, regionDescDesc.Size())
		if ptrOff < 0 || ptrOff+int64(len(buf)) > int64(len(data)) {
			return nil, codecerr.Newf(codecerr.KindTruncated, "axfs: region descriptor %q out of range", name)
		}
		copy(buf, data[ptrOff:])
		drec, ok := regionDescDesc.UnpackBytes(buf, 0)
		if !ok {
			return nil, codecerr.Newf(codecerr.KindTruncated, "axfs: short region descriptor %q", name)
		}

		offset := int64(drec["offset"].(uint64))
		regionSize := int64(drec["size"].(uint64))
		if offset < 0 || offset+regionSize > int64(len(data)) {
			return nil, codecerr.Newf(codecerr.KindTruncated, "axfs: region %q out of range", name)
		}
		regionData := data[offset : offset+regionSize]

		if i < firstTableRegion {
			regions[name] = regionData
			continue
		}

		maxIndex := int64(drec["maxIndex"].(uint64))
		depth := int64(drec["tableByteDepth"].(uint8))
		table := make([]int64, maxIndex)
		for idx := int64(0); idx < maxIndex; idx++ {
			var v int64
			for j := int64(0); j < depth; j++ {
				pos := j*maxIndex + idx
				if pos >= int64(len(regionData)) {
					return nil, codecerr.Newf(codecerr.KindTruncated, "axfs: table %q short", name)
				}
				v |= int64(regionData[pos]) << (8 * j)
			}
			table[idx] = v
		}
		tables[name] = table
	}

	var out []fstree.UnixFile
	var readInode func(id int64, path string) error
	readInode = func(id int64, path string) error {
		fileSize := tables["fileSize"][id]
		nameOffset := tables["nameOffset"][id]
		nameRegion := regions["strings"]
		nameEnd := bytes.IndexByte(nameRegion[nameOffset:], 0)
		if nameEnd < 0 {
			return codecerr.Newf(codecerr.KindMalformed, "axfs: unterminated name at %d", nameOffset)
		}
		name := string(nameRegion[nameOffset : nameOffset+int64(nameEnd)])

		modeIdx := tables["modeIndex"][id]
		mode := uint32(tables["modes"][modeIdx])
		uid := uint32(tables["uids"][modeIdx])
		gid := uint32(tables["gids"][modeIdx])
		numEntries := tables["numEntries"][id]
		arrayIndex := tables["arrayIndex"][id]

		entryPath := path
		if id != 0 {
			entryPath = path + name
		}
		isDir := fstree.IsDir(mode)

		var contents io.ReadSeeker
		displaySize := fileSize
		if isDir {
			displaySize = 0
		} else {
			content, err := assembleContents(regions, tables, arrayIndex, numEntries, fileSize)
			if err != nil {
				return err
			}
			contents = bytes.NewReader(content)
		}

		out = append(out, fstree.UnixFile{
			Path:     entryPath,
			Size:     displaySize,
			Mode:     mode,
			Uid:      uid,
			Gid:      gid,
			Contents: contents,
		})

		if isDir {
			for i := int64(0); i < numEntries; i++ {
				if err := readInode(arrayIndex+i, entryPath+"/"); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := readInode(0, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// assembleContents concatenates a file's node list (XIP page, zlib
// block, or byte-aligned region slice per entry), then clamps the
// result to the declared file size: the final XIP page carries trailing
// padding, and Contents must hold exactly Size bytes.
func assembleContents(regions map[string][]byte, tables map[string][]int64, arrayIndex, numEntries, fileSize int64) ([]byte, error) {
	var buf bytes.Buffer
	for i := int64(0); i < numEntries; i++ {
		nodeType := tables["nodeType"][arrayIndex+i]
		nodeIndex := tables["nodeIndex"][arrayIndex+i]
		switch nodeType {
		case 0:
			o := nodeIndex << 12
			xip := regions["xip"]
			end := o + 4096
			if end > int64(len(xip)) {
				end = int64(len(xip))
			}
			if o > end {
				return nil, codecerr.Newf(codecerr.KindTruncated, "axfs: xip node out of range")
			}
			buf.Write(xip[o:end])
		case 1:
			cnodeIdx := tables["cnodeIndex"][nodeIndex]
			o := tables["cblockOffset"][cnodeIdx]
			compressed := regions["compressed"]
			if o < 0 || o > int64(len(compressed)) {
				return nil, codecerr.Newf(codecerr.KindTruncated, "axfs: compressed node out of range")
			}
			zr, err := zlib.NewReader(bytes.NewReader(compressed[o:]))
			if err != nil {
				return nil, codecerr.Wrapf(codecerr.KindMalformed, err, "axfs: zlib header")
			}
			if _, err := io.Copy(&buf, zr); err != nil {
				zr.Close()
				return nil, codecerr.Wrapf(codecerr.KindMalformed, err, "axfs: zlib inflate")
			}
			zr.Close()
		case 2:
			o := tables["banodeOffset"][nodeIndex]
			byteAligned := regions["byteAligned"]
			end := o + fileSize
			if end > int64(len(byteAligned)) {
				end = int64(len(byteAligned))
			}
			if o < 0 || o > end {
				return nil, codecerr.Newf(codecerr.KindTruncated, "axfs: byte-aligned node out of range")
			}
			buf.Write(byteAligned[o:end])
		default:
			return nil, codecerr.Newf(codecerr.KindUnsupported, "axfs: unknown node type %d", nodeType)
		}
	}
	out := buf.Bytes()
	if int64(len(out)) > fileSize {
		out = out[:fileSize]
	}
	return out, nil
}
