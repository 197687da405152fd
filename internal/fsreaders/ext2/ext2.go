// Package ext2 reads ext2 filesystem images: a fixed 1024-byte-offset
// superblock, block-group descriptor table, and triple-indirect inode
// block addressing.
package ext2

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
	"github.com/sonyfw/fwimg/internal/streamview"
	"github.com/sonyfw/fwimg/internal/structpack"
)

const (
	rootInode    = 2
	inodeBlocksN = 15 // direct(12) + single + double + triple indirect
)

var magicBytes = [2]byte{0x53, 0xef}

var headerDesc = structpack.New(structpack.LittleEndian,
	structpack.Pad(1024),
	structpack.Int32("inodesCount"),
	structpack.Int32("blocksCount"),
	structpack.Pad(16),
	structpack.Int32("blockSize"),
	structpack.Pad(4),
	structpack.Int32("blocksPerGroup"),
	structpack.Pad(4),
	structpack.Int32("inodesPerGroup"),
	structpack.Pad(12),
	structpack.Bytes("magic", 2),
	structpack.Pad(966),
)

var bgdDesc = structpack.New(structpack.LittleEndian,
	structpack.Pad(8),
	structpack.Int32("inodeTableBlock"),
	structpack.Pad(20),
)

var inodeDesc = structpack.New(structpack.LittleEndian,
	structpack.Int16("mode"),
	structpack.Int16("uid"),
	structpack.Int32("size"),
	structpack.Int32("atime"),
	structpack.Int32("ctime"),
	structpack.Int32("mtime"),
	structpack.Int32("dtime"),
	structpack.Int16("gid"),
	structpack.Pad(14),
	structpack.Bytes("blocks", 60),
	structpack.Pad(28),
)

var dirEntryDesc = structpack.New(structpack.LittleEndian,
	structpack.Int32("inode"),
	structpack.Int16("size"),
	structpack.Int8("nameSize"),
	structpack.Int8("fileType"),
)

func unpackHeader(src io.ReaderAt) (structpack.Record, bool) {
	buf := make([]byte, headerDesc.Size())
	if _, err := src.ReadAt(buf, 0); err != nil {
		return nil, false
	}
	return headerDesc.UnpackBytes(buf, 0)
}

// IsExt2 sniffs the superblock magic at its fixed 1080-byte offset.
func IsExt2(src io.ReaderAt) bool {
	rec, ok := unpackHeader(src)
	if !ok {
		return false
	}
	return bytes.Equal(rec["magic"].([]byte), magicBytes[:])
}

// Read parses an ext2 image from src and returns every entry, root
// first, depth-first.
func Read(src io.ReaderAt, size int64) ([]fstree.UnixFile, error) {
	rec, ok := unpackHeader(src)
	if !ok {
		return nil, codecerr.Newf(codecerr.KindTruncated, "ext2: read superblock")
	}
	if !bytes.Equal(rec["magic"].([]byte), magicBytes[:]) {
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "ext2: bad magic")
	}

	blockSize := int64(1024) << rec["blockSize"].(uint32)
	blocksPerGroup := int64(rec["blocksPerGroup"].(uint32))
	inodesPerGroup := int64(rec["inodesPerGroup"].(uint32))
	blocksCount := int64(rec["blocksCount"].(uint32))

	bgdOffset := blockSize
	if bgdOffset < 2048 {
		bgdOffset = 2048
	}
	numGroups := (blocksCount-1)/blocksPerGroup + 1

	inodeTables := make([]int64, numGroups)
	for i := int64(0); i < numGroups; i++ {
		buf := make([]byte, bgdDesc.Size())
		if _, err := src.ReadAt(buf, bgdOffset+i*int64(bgdDesc.Size())); err != nil {
			return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "ext2: read block group descriptor %d", i)
		}
		brec, ok := bgdDesc.UnpackBytes(buf, 0)
		if !ok {
			return nil, codecerr.Newf(codecerr.KindTruncated, "ext2: short block group descriptor %d", i)
		}
		inodeTables[i] = int64(brec["inodeTableBlock"].(uint32))
	}

	var out []fstree.UnixFile
	var readInode func(num uint32, path string) error
	readInode = func(num uint32, path string) error {
		group := int64(num-1) / inodesPerGroup
		idx := int64(num-1) % inodesPerGroup
		off := inodeTables[group]*blockSize + idx*int64(inodeDesc.Size())

		buf := make([]byte, inodeDesc.Size())
		if _, err := src.ReadAt(buf, off); err != nil {
			return codecerr.Wrapf(codecerr.KindTruncated, err, "ext2: read inode %d", num)
		}
		irec, ok := inodeDesc.UnpackBytes(buf, 0)
		if !ok {
			return codecerr.Newf(codecerr.KindTruncated, "ext2: short inode %d", num)
		}

		mode := uint32(irec["mode"].(uint16))
		uid := uint32(irec["uid"].(uint16))
		gid := uint32(irec["gid"].(uint16))
		realSize := int64(irec["size"].(uint32))
		blocksRaw := irec["blocks"].([]byte)

		isDir := fstree.IsDir(mode)

		displaySize := realSize
		if isDir {
			displaySize = 0
		}

		var contents io.ReadSeeker
		if !isDir {
			contents = newChunkedFile(src, blocksRaw, blockSize, realSize)
		}

		out = append(out, fstree.UnixFile{
			Path:     path,
			Size:     displaySize,
			Mtime:    int64(irec["mtime"].(uint32)),
			Mode:     mode,
			Uid:      uid,
			Gid:      gid,
			Contents: contents,
		})

		if isDir {
			dirChunked := newChunkedFile(src, blocksRaw, blockSize, realSize)
			dirBuf, err := io.ReadAll(dirChunked)
			if err != nil {
				return errors.Wrap(err, "ext2: read directory contents")
			}
			off := 0
			for off < len(dirBuf) {
				drec, ok := dirEntryDesc.UnpackBytes(dirBuf, off)
				if !ok {
					break
				}
				entrySize := int(drec["size"].(uint16))
				nameSize := int(drec["nameSize"].(uint8))
				inodeNum := drec["inode"].(uint32)
				nameStart := off + dirEntryDesc.Size()
				nameEnd := nameStart + nameSize
				if nameEnd > len(dirBuf) || entrySize <= 0 {
					break
				}
				name := string(dirBuf[nameStart:nameEnd])
				if name != "." && name != ".." && inodeNum != 0 {
					if err := readInode(inodeNum, path+"/"+name); err != nil {
						return err
					}
				}
				off += entrySize
			}
		}
		return nil
	}

	if err := readInode(rootInode, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// resolveBlockPointers flattens an inode's 15-pointer direct/single
// /double/triple-indirect block table into one ordered list of data
// block numbers, resolving each indirection level by reading the
// pointed-to block and reinterpreting it as more little-endian uint32
// pointers: four passes, one per indirection level, each one reading
// exactly the blocks newly exposed by the previous pass.
func resolveBlockPointers(src io.ReaderAt, blocksRaw []byte, blockSize int64) ([]uint32, error) {
	contents := append([]byte(nil), blocksRaw...)
	var ptrs []uint32
	for i := inodeBlocksN; i >= 12; i-- {
		contents = contents[:i*4]
		for _, ptr := range safeTail(ptrs, i) {
			if ptr == 0 {
				continue
			}
			block := make([]byte, blockSize)
			if _, err := src.ReadAt(block, int64(ptr)*blockSize); err != nil {
				return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "ext2: read indirect block %d", ptr)
			}
			contents = append(contents, block...)
		}
		ptrs = parseUint32LEList(contents)
	}
	return ptrs, nil
}

func safeTail(ptrs []uint32, i int) []uint32 {
	if i >= len(ptrs) {
		return nil
	}
	return ptrs[i:]
}

func parseUint32LEList(b []byte) []uint32 {
	n := len(b) / 4
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

// newChunkedFile streams an inode's data, one resolved block per
// Producer call, truncated to size. A zero pointer is a hole and emits
// nothing (not a zero-filled block); Sony firmware images in scope
// don't carry sparse files.
func newChunkedFile(src io.ReaderAt, blocksRaw []byte, blockSize, size int64) *streamview.ChunkedFile {
	factory := func() streamview.Producer {
		var ptrs []uint32
		i := 0
		written := int64(0)
		return func() ([]byte, error) {
			if ptrs == nil {
				var err error
				ptrs, err = resolveBlockPointers(src, blocksRaw, blockSize)
				if err != nil {
					return nil, err
				}
			}
			for written < size && i < len(ptrs) {
				ptr := ptrs[i]
				i++
				if ptr == 0 {
					continue
				}
				block := make([]byte, blockSize)
				if _, err := src.ReadAt(block, int64(ptr)*blockSize); err != nil {
					return nil, errors.Wrap(err, "ext2: read data block")
				}
				if remain := size - written; int64(len(block)) > remain {
					block = block[:remain]
				}
				written += int64(len(block))
				if written >= size || i >= len(ptrs) {
					return block, io.EOF
				}
				return block, nil
			}
			return nil, io.EOF
		}
	}
	return streamview.New(factory, size)
}
