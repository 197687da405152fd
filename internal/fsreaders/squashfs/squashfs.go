// Package squashfs reads SquashFS 4.0 images, zlib
// compression only: a metadata-block-addressed inode/directory table
// plus a separately block-pointer-addressed data region, with optional
// tail-end fragment packing.
package squashfs

import (
	"bytes"
	"github.com/klauspost/compress/zlib"
	"encoding/binary"
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
	"github.com/sonyfw/fwimg/internal/structpack"
)

const (
	metadataBlockSize = 0x2000
	uncompressedFlag  = 0x8000
	blockUncompressed = 1 << 24

	inodeTypeBasicDir    = 1
	inodeTypeBasicFile   = 2
	inodeTypeBasicSymlnk = 3
	inodeTypeExtDir      = 8
	inodeTypeExtFile     = 9
	inodeTypeExtSymlnk   = 10
)

var magicBytes = [4]byte{'h', 's', 'q', 's'}

var superDesc = structpack.New(structpack.LittleEndian,
	structpack.Bytes("magic", 4),
	structpack.Int32("inodeCount"),
	structpack.Int32("modificationTime"),
	structpack.Int32("blockSize"),
	structpack.Int32("fragmentEntryCount"),
	structpack.Int16("compressionId"),
	structpack.Int16("blockLog"),
	structpack.Int16("flags"),
	structpack.Int16("idCount"),
	structpack.Int16("versionMajor"),
	structpack.Int16("versionMinor"),
	structpack.Int64("rootInodeRef"),
	structpack.Int64("bytesUsed"),
	structpack.Int64("idTableStart"),
	structpack.Int64("xattrIdTableStart"),
	structpack.Int64("inodeTableStart"),
	structpack.Int64("directoryTableStart"),
	structpack.Int64("fragmentTableStart"),
	structpack.Int64("exportTableStart"),
)

var inodeHeaderDesc = structpack.New(structpack.LittleEndian,
	structpack.Int16("inodeType"),
	structpack.Int16("permissions"),
	structpack.Int16("uidIdx"),
	structpack.Int16("gidIdx"),
	structpack.Int32("modifiedTime"),
	structpack.Int32("inodeNumber"),
)

var basicDirDesc = structpack.New(structpack.LittleEndian,
	structpack.Int32("dirBlockStart"),
	structpack.Int32("hardLinkCount"),
	structpack.Int16("fileSize"),
	structpack.Int16("blockOffset"),
	structpack.Int32("parentInodeNumber"),
)

var extDirDesc = structpack.New(structpack.LittleEndian,
	structpack.Int32("hardLinkCount"),
	structpack.Int32("fileSize"),
	structpack.Int32("dirBlockStart"),
	structpack.Int32("parentInodeNumber"),
	structpack.Int16("indexCount"),
	structpack.Int16("blockOffset"),
	structpack.Int32("xattrIdx"),
)

var basicFileDesc = structpack.New(structpack.LittleEndian,
	structpack.Int32("blocksStart"),
	structpack.Int32("fragmentBlockIndex"),
	structpack.Int32("blockOffset"),
	structpack.Int32("fileSize"),
)

var extFileDesc = structpack.New(structpack.LittleEndian,
	structpack.Int64("blocksStart"),
	structpack.Int64("fileSize"),
	structpack.Int64("sparse"),
	structpack.Int32("hardLinkCount"),
	structpack.Int32("fragmentBlockIndex"),
	structpack.Int32("blockOffset"),
	structpack.Int32("xattrIdx"),
)

var symlinkDesc = structpack.New(structpack.LittleEndian,
	structpack.Int32("hardLinkCount"),
	structpack.Int32("targetSize"),
)

var dirHeaderDesc = structpack.New(structpack.LittleEndian,
	structpack.Int32("count"),
	structpack.Int32("start"),
	structpack.Int32("inodeNumber"),
)

var dirEntryDesc = structpack.New(structpack.LittleEndian,
	structpack.Int16("offset"),
	structpack.Int16("inodeOffset"),
	structpack.Int16("type"),
	structpack.Int16("nameSize"),
)

var fragmentEntryDesc = structpack.New(structpack.LittleEndian,
	structpack.Int64("start"),
	structpack.Int32("size"),
	structpack.Pad(4),
)

func unpackSuper(src io.ReaderAt) (structpack.Record, bool) {
	buf := make([]byte, superDesc.Size())
	if _, err := src.ReadAt(buf, 0); err != nil {
		return nil, false
	}
	return superDesc.UnpackBytes(buf, 0)
}

// IsSquashfs sniffs the 4-byte "hsqs" superblock magic.
func IsSquashfs(src io.ReaderAt) bool {
	rec, ok := unpackSuper(src)
	if !ok {
		return false
	}
	return bytes.Equal(rec["magic"].([]byte), magicBytes[:])
}

// Read parses a SquashFS 4.0, zlib-only image from src.
func Read(src io.ReaderAt, size int64) ([]fstree.UnixFile, error) {
	rec, ok := unpackSuper(src)
	if !ok {
		return nil, codecerr.Newf(codecerr.KindTruncated, "squashfs: read superblock")
	}
	if !bytes.Equal(rec["magic"].([]byte), magicBytes[:]) {
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "squashfs: bad magic")
	}
	if rec["versionMajor"].(uint16) != 4 || rec["versionMinor"].(uint16) != 0 {
		return nil, codecerr.Newf(codecerr.KindWrongVersion, "squashfs: expected 4.0")
	}
	blockLog := rec["blockLog"].(uint16)
	blockSize := int64(rec["blockSize"].(uint32))
	if int64(1)<<blockLog != blockSize {
		return nil, codecerr.Newf(codecerr.KindMalformed, "squashfs: block size/log mismatch")
	}
	if rec["compressionId"].(uint16) != 1 {
		return nil, codecerr.Newf(codecerr.KindUnsupported, "squashfs: only zlib compression is supported")
	}

	inodeTableStart := int64(rec["inodeTableStart"].(uint64))
	directoryTableStart := int64(rec["directoryTableStart"].(uint64))
	fragmentTableStart := int64(rec["fragmentTableStart"].(uint64))
	idTableStart := int64(rec["idTableStart"].(uint64))
	fragmentEntryCount := int64(rec["fragmentEntryCount"].(uint32))
	idCount := int64(rec["idCount"].(uint16))
	rootInodeRef := rec["rootInodeRef"].(uint64)

	readMetadata := func(start, offset, size int64) ([]byte, error) {
		var block []byte
		cursor := start
		for int64(len(block)) < offset+size {
			var hdr [2]byte
			if _, err := src.ReadAt(hdr[:], cursor); err != nil {
				return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "squashfs: read metadata block header")
			}
			cursor += 2
			h := binary.LittleEndian.Uint16(hdr[:])
			dataLen := int64(h &^ uncompressedFlag)
			data := make([]byte, dataLen)
			if dataLen > 0 {
				if _, err := src.ReadAt(data, cursor); err != nil {
					return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "squashfs: read metadata block")
				}
			}
			cursor += dataLen
			if h&uncompressedFlag == 0 {
				decoded, err := inflateZlib(data)
				if err != nil {
					return nil, err
				}
				data = decoded
			}
			block = append(block, data...)
		}
		return block[offset : offset+size], nil
	}

	readTable := func(start, count, entrySize int64) ([][]byte, error) {
		if count == 0 {
			return nil, nil
		}
		entriesPerBlock := metadataBlockSize / entrySize
		numBlocks := (count + entriesPerBlock - 1) / entriesPerBlock
		ptrs := make([]int64, numBlocks)
		cursor := start
		for i := range ptrs {
			var buf [8]byte
			if _, err := src.ReadAt(buf[:], cursor); err != nil {
				return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "squashfs: read table block pointer")
			}
			ptrs[i] = int64(binary.LittleEndian.Uint64(buf[:]))
			cursor += 8
		}

		var entries [][]byte
		for i, off := range ptrs {
			remaining := count - int64(i)*entriesPerBlock
			sz := remaining * entrySize
			if sz > metadataBlockSize {
				sz = metadataBlockSize
			}
			block, err := readMetadata(off, 0, sz)
			if err != nil {
				return nil, err
			}
			for j := int64(0); j < int64(len(block)); j += entrySize {
				entries = append(entries, block[j:j+entrySize])
			}
		}
		return entries, nil
	}

	fragEntries, err := readTable(fragmentTableStart, fragmentEntryCount, int64(fragmentEntryDesc.Size()))
	if err != nil {
		return nil, err
	}
	fragments := make([]structpack.Record, len(fragEntries))
	for i, e := range fragEntries {
		frec, ok := fragmentEntryDesc.UnpackBytes(e, 0)
		if !ok {
			return nil, codecerr.Newf(codecerr.KindTruncated, "squashfs: short fragment entry")
		}
		fragments[i] = frec
	}

	idEntries, err := readTable(idTableStart, idCount, 4)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, len(idEntries))
	for i, e := range idEntries {
		ids[i] = binary.LittleEndian.Uint32(e)
	}

	var out []fstree.UnixFile
	var readInode func(start, offset int64, path string) error
	readInode = func(start, offset int64, path string) error {
		start += inodeTableStart
		hbuf, err := readMetadata(start, offset, int64(inodeHeaderDesc.Size()))
		if err != nil {
			return err
		}
		hrec, ok := inodeHeaderDesc.UnpackBytes(hbuf, 0)
		if !ok {
			return codecerr.Newf(codecerr.KindTruncated, "squashfs: short inode header")
		}
		inodeType := hrec["inodeType"].(uint16)
		permissions := uint32(hrec["permissions"].(uint16))
		uidIdx := hrec["uidIdx"].(uint16)
		gidIdx := hrec["gidIdx"].(uint16)
		mtime := int64(int32(hrec["modifiedTime"].(uint32)))

		switch inodeType {
		case inodeTypeBasicDir, inodeTypeExtDir:
			var dirBlockStart, blockOffset, fileSize int64
			if inodeType == inodeTypeBasicDir {
				buf, err := readMetadata(start, offset+int64(inodeHeaderDesc.Size()), int64(basicDirDesc.Size()))
				if err != nil {
					return err
				}
				frec, _ := basicDirDesc.UnpackBytes(buf, 0)
				dirBlockStart = int64(frec["dirBlockStart"].(uint32))
				blockOffset = int64(frec["blockOffset"].(uint16))
				fileSize = int64(frec["fileSize"].(uint16))
			} else {
				buf, err := readMetadata(start, offset+int64(inodeHeaderDesc.Size()), int64(extDirDesc.Size()))
				if err != nil {
					return err
				}
				frec, _ := extDirDesc.UnpackBytes(buf, 0)
				dirBlockStart = int64(frec["dirBlockStart"].(uint32))
				blockOffset = int64(frec["blockOffset"].(uint16))
				fileSize = int64(frec["fileSize"].(uint32))
			}

			dirBytes, err := readMetadata(directoryTableStart+dirBlockStart, blockOffset, fileSize-3)
			if err != nil {
				return err
			}

			entryPath := path
			if entryPath == "" {
				entryPath = "/"
			}
			out = append(out, fstree.UnixFile{
				Path:  entryPath,
				Size:  0,
				Mtime: mtime,
				Mode:  fstree.ModeDir | permissions,
				Uid:   ids[uidIdx],
				Gid:   ids[gidIdx],
			})

			pos := int64(0)
			for pos < int64(len(dirBytes)) {
				dhrec, ok := dirHeaderDesc.UnpackBytes(dirBytes, int(pos))
				if !ok {
					break
				}
				pos += int64(dirHeaderDesc.Size())
				count := int64(int32(dhrec["count"].(uint32)))
				dirStart := int64(dhrec["start"].(uint32))
				for i := int64(0); i <= count; i++ {
					erec, ok := dirEntryDesc.UnpackBytes(dirBytes, int(pos))
					if !ok {
						return codecerr.Newf(codecerr.KindTruncated, "squashfs: short directory entry")
					}
					pos += int64(dirEntryDesc.Size())
					nameSize := int64(erec["nameSize"].(uint16)) + 1
					if pos+nameSize > int64(len(dirBytes)) {
						return codecerr.Newf(codecerr.KindTruncated, "squashfs: short directory entry name")
					}
					name := string(dirBytes[pos : pos+nameSize])
					pos += nameSize
					if err := readInode(dirStart, int64(erec["offset"].(uint16)), path+"/"+name); err != nil {
						return err
					}
				}
			}

		case inodeTypeBasicFile, inodeTypeExtFile:
			var blocksStart, fragmentBlockIndex, blockOffset, fileSize int64
			var structSize int64
			if inodeType == inodeTypeBasicFile {
				structSize = int64(basicFileDesc.Size())
				buf, err := readMetadata(start, offset+int64(inodeHeaderDesc.Size()), structSize)
				if err != nil {
					return err
				}
				frec, _ := basicFileDesc.UnpackBytes(buf, 0)
				blocksStart = int64(frec["blocksStart"].(uint32))
				fragmentBlockIndex = int64(frec["fragmentBlockIndex"].(uint32))
				blockOffset = int64(frec["blockOffset"].(uint32))
				fileSize = int64(frec["fileSize"].(uint32))
			} else {
				structSize = int64(extFileDesc.Size())
				buf, err := readMetadata(start, offset+int64(inodeHeaderDesc.Size()), structSize)
				if err != nil {
					return err
				}
				frec, _ := extFileDesc.UnpackBytes(buf, 0)
				blocksStart = int64(frec["blocksStart"].(uint64))
				fragmentBlockIndex = int64(frec["fragmentBlockIndex"].(uint32))
				blockOffset = int64(frec["blockOffset"].(uint32))
				fileSize = int64(frec["fileSize"].(uint64))
			}

			hasFragment := fragmentBlockIndex != 0xffffffff
			var blockCount int64
			if hasFragment {
				blockCount = fileSize / blockSize
			} else {
				blockCount = (fileSize + blockSize - 1) / blockSize
			}

			sizesBuf, err := readMetadata(start, offset+int64(inodeHeaderDesc.Size())+structSize, blockCount*4)
			if err != nil {
				return err
			}
			blockSizes := make([]uint32, blockCount)
			for i := range blockSizes {
				blockSizes[i] = binary.LittleEndian.Uint32(sizesBuf[i*4:])
			}

			var content bytes.Buffer
			cursor := blocksStart
			for _, bs := range blockSizes {
				s := fileSize - int64(content.Len())
				if s > blockSize {
					s = blockSize
				}
				if bs == 0 {
					content.Write(make([]byte, s))
					continue
				}
				rawLen := int64(bs &^ blockUncompressed)
				raw := make([]byte, rawLen)
				if _, err := src.ReadAt(raw, cursor); err != nil {
					return codecerr.Wrapf(codecerr.KindTruncated, err, "squashfs: read data block")
				}
				cursor += rawLen
				block := raw
				if bs&blockUncompressed == 0 {
					block, err = inflateZlib(raw)
					if err != nil {
						return err
					}
				}
				if int64(len(block)) < s {
					padded := make([]byte, s)
					copy(padded, block)
					block = padded
				} else if int64(len(block)) > s {
					block = block[:s]
				}
				content.Write(block)
			}

			if hasFragment {
				frag := fragments[fragmentBlockIndex]
				fragStart := int64(frag["start"].(uint64))
				fragSize := int64(frag["size"].(uint32))
				rawLen := fragSize &^ blockUncompressed
				raw := make([]byte, rawLen)
				if _, err := src.ReadAt(raw, fragStart); err != nil {
					return codecerr.Wrapf(codecerr.KindTruncated, err, "squashfs: read fragment block")
				}
				block := raw
				if fragSize&blockUncompressed == 0 {
					var err error
					block, err = inflateZlib(raw)
					if err != nil {
						return err
					}
				}
				remain := fileSize - int64(content.Len())
				end := blockOffset + remain
				if end > int64(len(block)) {
					end = int64(len(block))
				}
				if blockOffset <= end {
					content.Write(block[blockOffset:end])
				}
			}

			out = append(out, fstree.UnixFile{
				Path:     path,
				Size:     fileSize,
				Mtime:    mtime,
				Mode:     fstree.ModeRegular | permissions,
				Uid:      ids[uidIdx],
				Gid:      ids[gidIdx],
				Contents: bytes.NewReader(content.Bytes()),
			})

		case inodeTypeBasicSymlnk, inodeTypeExtSymlnk:
			buf, err := readMetadata(start, offset+int64(inodeHeaderDesc.Size()), int64(symlinkDesc.Size()))
			if err != nil {
				return err
			}
			frec, _ := symlinkDesc.UnpackBytes(buf, 0)
			targetSize := int64(frec["targetSize"].(uint32))
			target, err := readMetadata(start, offset+int64(inodeHeaderDesc.Size())+int64(symlinkDesc.Size()), targetSize)
			if err != nil {
				return err
			}

			out = append(out, fstree.UnixFile{
				Path:     path,
				Size:     int64(len(target)),
				Mtime:    mtime,
				Mode:     fstree.ModeSymlink | permissions,
				Uid:      ids[uidIdx],
				Gid:      ids[gidIdx],
				Contents: bytes.NewReader(target),
			})

		default:
			return codecerr.Newf(codecerr.KindUnsupported, "squashfs: unknown inode type %d", inodeType)
		}
		return nil
	}

	rootStart := int64(rootInodeRef>>16) & 0xffffffff
	rootOffset := int64(rootInodeRef & 0xffff)
	if err := readInode(rootStart, rootOffset, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func inflateZlib(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, codecerr.Wrapf(codecerr.KindMalformed, err, "squashfs: zlib header")
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, codecerr.Wrapf(codecerr.KindMalformed, err, "squashfs: zlib inflate")
	}
	return out, nil
}
