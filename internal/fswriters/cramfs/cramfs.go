// Package cramfs writes cramfs filesystem images: the dual of
// internal/fsreaders/cramfs, laying out a superblock, a breadth-first
// inode/name metadata region, and a zlib-block-compressed data region.
//
// The struct layouts are shared with internal/fsreaders/cramfs, and
// the image follows cramfs's well-known on-disk
// convention (superblock, then the full inode/name tree in
// breadth-first order, then file data in the same order), which is the
// only layout internal/fsreaders/cramfs's offset-independent dataOffset
// fields are compatible with.
package cramfs

import (
	"bytes"
	"hash/crc32"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
	"github.com/sonyfw/fwimg/internal/structpack"
)

const (
	blockSize = 4096
	inodeSize = 12
)

var (
	magicBytes = [4]byte{0x45, 0x3d, 0xcd, 0x28}
	signature  = []byte("Compressed ROMFS")
)

var superDesc = structpack.New(structpack.LittleEndian,
	structpack.Bytes("magic", 4),
	structpack.Int32("size"),
	structpack.Int32("flags"),
	structpack.Int32("future"),
	structpack.Bytes("signature", 16),
	structpack.Int32("crc"),
	structpack.Int32("edition"),
	structpack.Int32("blocks"),
	structpack.Int32("files"),
	structpack.Bytes("name", 16),
)

var inodeDesc = structpack.New(structpack.LittleEndian,
	structpack.Int16("mode"),
	structpack.Int16("uid"),
	structpack.Int32("sizeGid"),
	structpack.Int32("nameLenOffset"),
)

// Write lays out files (the same "" root / "/child" path convention
// internal/fsreaders/cramfs produces) into a cramfs image, written to w.
func Write(files []fstree.UnixFile, w io.Writer) error {
	byPath := make(map[string]fstree.UnixFile, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	children := map[string][]string{"": nil}
	for _, f := range files {
		if f.Path == "" {
			continue
		}
		p := f.Path
		for {
			parent := parentOf(p)
			if _, ok := children[parent]; !ok {
				children[parent] = nil
			}
			if !containsStr(children[parent], p) {
				children[parent] = append(children[parent], p)
			}
			if parent == "" {
				break
			}
			p = parent
		}
	}
	for _, kids := range children {
		sort.Strings(kids)
	}

	root, hasRoot := byPath[""]
	if !hasRoot {
		root = fstree.UnixFile{Mode: fstree.ModeDir | 0o755}
	}
	root.Path = ""

	type placement struct {
		inodeOff int64
		dataOff  int64 // children block (dirs) or pointer-table start (files)
		size     int64 // on-disk 24-bit size field
	}
	placements := make(map[string]*placement)

	metaCursor := int64(superDesc.Size())
	rootOff := metaCursor
	metaCursor += inodeSize // root's name is always empty
	placements[""] = &placement{inodeOff: rootOff}

	queue := []string{""}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		childBlockStart := metaCursor
		for _, c := range children[p] {
			nameLen := align4(len(basename(c)))
			placements[c] = &placement{inodeOff: metaCursor}
			metaCursor += inodeSize + int64(nameLen)
			if fstree.IsDir(entryMode(byPath, c)) {
				queue = append(queue, c)
			}
		}
		placements[p].dataOff = childBlockStart
		placements[p].size = metaCursor - childBlockStart
	}

	var fileNames []string
	for _, f := range files {
		if f.Path != "" && !fstree.IsDir(f.Mode) {
			fileNames = append(fileNames, f.Path)
		}
	}
	sort.Strings(fileNames)

	dataCursor := metaCursor
	var dataBuf bytes.Buffer
	totalBlocks := 0

	for _, p := range fileNames {
		// The inode stores the data offset divided by 4, so each file's
		// pointer table starts on a 4-byte boundary.
		if pad := int64(align4(int(dataCursor))) - dataCursor; pad > 0 {
			dataBuf.Write(make([]byte, pad))
			dataCursor += pad
		}

		f := byPath[p]
		content, err := readAllContents(f)
		if err != nil {
			return codecerr.Wrapf(codecerr.KindMalformed, err, "cramfs: read contents of %q", p)
		}

		nBlocks := (len(content) + blockSize - 1) / blockSize
		if len(content) == 0 {
			nBlocks = 0
		}

		ptrTableOff := dataCursor
		ptrs := make([]uint32, nBlocks)
		cursor := ptrTableOff + int64(nBlocks)*4

		var blocks bytes.Buffer
		for i := 0; i < nBlocks; i++ {
			start := i * blockSize
			end := start + blockSize
			if end > len(content) {
				end = len(content)
			}
			compressed, err := compressZlib(content[start:end])
			if err != nil {
				return codecerr.Wrapf(codecerr.KindMalformed, err, "cramfs: compress %q block %d", p, i)
			}
			cursor += int64(len(compressed))
			ptrs[i] = uint32(cursor)
			blocks.Write(compressed)
		}

		ptrTable := make([]byte, nBlocks*4)
		for i, v := range ptrs {
			putLeUint32(ptrTable[i*4:], v)
		}
		dataBuf.Write(ptrTable)
		dataBuf.Write(blocks.Bytes())

		placements[p].dataOff = ptrTableOff
		placements[p].size = int64(len(content))
		dataCursor = ptrTableOff + int64(len(ptrTable)) + int64(blocks.Len())
		totalBlocks += nBlocks
	}

	total := dataCursor
	img := make([]byte, total)

	writeInode := func(off int64, f fstree.UnixFile, name string, dataOff, size int64) {
		nameLen := align4(len(name))
		nameBuf := make([]byte, nameLen)
		copy(nameBuf, name)

		sizeGid := (uint32(size) & 0xffffff) | (f.Gid << 24)
		nameLenOffset := (uint32(dataOff)/4)<<6 | uint32(nameLen)/4

		rec := inodeDesc.Pack(structpack.Record{
			"mode":          uint16(f.Mode),
			"uid":           uint16(f.Uid),
			"sizeGid":       sizeGid,
			"nameLenOffset": nameLenOffset,
		})
		copy(img[off:], rec)
		copy(img[off+inodeSize:], nameBuf)
	}

	writeInode(rootOff, root, "", placements[""].dataOff, placements[""].size)
	fileCount := 1
	for _, kids := range children {
		for _, c := range kids {
			f, explicit := byPath[c]
			if !explicit {
				f = fstree.UnixFile{Path: c, Mode: fstree.ModeDir | 0o775}
			}
			pl := placements[c]
			writeInode(pl.inodeOff, f, basename(c), pl.dataOff, pl.size)
			fileCount++
		}
	}

	copy(img[metaCursor:], dataBuf.Bytes())

	super := superDesc.Pack(structpack.Record{
		"magic":     magicBytes[:],
		"size":      uint32(total),
		"flags":     uint32(0),
		"future":    uint32(0),
		"signature": padTo(signature, 16),
		"crc":       uint32(0),
		"edition":   uint32(0),
		"blocks":    uint32(totalBlocks),
		"files":     uint32(fileCount),
		"name":      padTo([]byte("Compressed"), 16),
	})
	copy(img, super)

	crc := crc32.NewIEEE()
	crc.Write(img[0:32])
	crc.Write(make([]byte, 4))
	crc.Write(img[36:])
	putLeUint32(img[32:36], crc.Sum32())

	_, err := w.Write(img)
	return err
}

func readAllContents(f fstree.UnixFile) ([]byte, error) {
	if f.Contents == nil {
		return nil, nil
	}
	if _, err := f.Contents.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f.Contents)
}

func compressZlib(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func entryMode(byPath map[string]fstree.UnixFile, p string) uint32 {
	if f, ok := byPath[p]; ok {
		return f.Mode
	}
	return fstree.ModeDir | 0o775
}

func align4(n int) int { return (n + 3) &^ 3 }

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func parentOf(p string) string {
	if p == "" {
		return ""
	}
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return ""
	}
	return p[:i]
}

func basename(p string) string {
	i := strings.LastIndex(p, "/")
	return p[i+1:]
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
