// Package cramfs reads cramfs filesystem images: a
// zlib-or-LZ77-compressed, 4KiB-block, CRC-guarded filesystem used to
// embed the root filesystem inside an FDAT payload.
package cramfs

import (
	"bytes"
	"hash/crc32"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zlib"

	"github.com/sonyfw/fwimg/internal/blockcache"
	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
	"github.com/sonyfw/fwimg/internal/lz77"
	"github.com/sonyfw/fwimg/internal/structpack"
	"github.com/sonyfw/fwimg/internal/streamview"
)

const (
	blockSize    = 4096
	superSize    = 76
	inodeSize    = 12
	flagLz77     = 0x20000000
	flagLzo      = 0x10000000
	superOffset  = 0
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

// blockCache memoizes decompressed blocks across rewinds and re-reads of
// the same image, keyed by (image token, compressed-block offset). A
// setup failure leaves it nil and every block decompresses on demand.
var blockCache = sync.OnceValue(func() *blockcache.Cache {
	c, err := blockcache.New()
	if err != nil {
		return nil
	}
	return c
})

// imageSeq hands each Read call a fresh cache token, so two images that
// happen to share block offsets never collide.
var imageSeq uint64

// IsCramfs sniffs the superblock at the start of src for the cramfs magic
// and signature.
func IsCramfs(src io.ReaderAt) bool {
	buf := make([]byte, superDesc.Size())
	if _, err := src.ReadAt(buf, superOffset); err != nil {
		return false
	}
	rec, ok := superDesc.UnpackBytes(buf, 0)
	if !ok {
		return false
	}
	return bytes.Equal(rec["magic"].([]byte), magicBytes[:]) &&
		bytes.HasPrefix(rec["signature"].([]byte), signature)
}

// Read parses a cramfs image from src (the full image, size bytes long)
// and returns every entry depth-first, root first.
func Read(src io.ReaderAt, size int64) ([]fstree.UnixFile, error) {
	buf := make([]byte, superDesc.Size())
	if _, err := src.ReadAt(buf, superOffset); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "cramfs: read superblock")
	}
	rec, ok := superDesc.UnpackBytes(buf, 0)
	if !ok || !bytes.Equal(rec["magic"].([]byte), magicBytes[:]) || !bytes.HasPrefix(rec["signature"].([]byte), signature) {
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "cramfs: bad magic/signature")
	}

	flags := rec["flags"].(uint32)
	if flags&flagLzo != 0 {
		return nil, codecerr.Newf(codecerr.KindUnsupported, "cramfs: LZO compression not supported")
	}
	decompress := decompressZlib
	if flags&flagLz77 != 0 {
		decompress = decompressLz77
	}

	if err := checkCrc(src, size, rec["crc"].(uint32)); err != nil {
		return nil, err
	}

	token := atomic.AddUint64(&imageSeq, 1)

	var out []fstree.UnixFile
	var walk func(off int64, path string) error
	walk = func(off int64, path string) error {
		ibuf := make([]byte, inodeDesc.Size())
		if _, err := src.ReadAt(ibuf, off); err != nil {
			return codecerr.Wrapf(codecerr.KindTruncated, err, "cramfs: read inode at %d", off)
		}
		irec, ok := inodeDesc.UnpackBytes(ibuf, 0)
		if !ok {
			return codecerr.Newf(codecerr.KindTruncated, "cramfs: short inode at %d", off)
		}

		mode := uint32(irec["mode"].(uint16))
		uid := uint32(irec["uid"].(uint16))
		sizeGid := irec["sizeGid"].(uint32)
		nameLenOffset := irec["nameLenOffset"].(uint32)

		fileSize := int64(sizeGid & 0xffffff)
		gid := sizeGid >> 24
		nameLen := int64(nameLenOffset&0x3f) * 4
		dataOffset := int64(nameLenOffset>>6) * 4

		nameBuf := make([]byte, nameLen)
		if nameLen > 0 {
			if _, err := src.ReadAt(nameBuf, off+int64(inodeDesc.Size())); err != nil {
				return codecerr.Wrapf(codecerr.KindTruncated, err, "cramfs: read name at %d", off)
			}
		}
		name := string(bytes.TrimRight(nameBuf, "\x00"))
		entryPath := path + name

		isDir := fstree.IsDir(mode)
		isReg := fstree.IsRegular(mode)
		isLnk := fstree.IsSymlink(mode)

		var contents io.ReadSeeker
		if isReg || isLnk {
			contents = newChunkedFile(src, token, dataOffset, fileSize, decompress)
		}

		out = append(out, fstree.UnixFile{
			Path:     entryPath,
			Size:     fileSize,
			Mode:     mode,
			Uid:      uid,
			Gid:      gid,
			Contents: contents,
		})

		if isDir {
			childOff := dataOffset
			end := dataOffset + fileSize
			for childOff < end {
				if err := walk(childOff, entryPath+"/"); err != nil {
					return err
				}
				cbuf := make([]byte, inodeDesc.Size())
				if _, err := src.ReadAt(cbuf, childOff); err != nil {
					return codecerr.Wrapf(codecerr.KindTruncated, err, "cramfs: read child inode at %d", childOff)
				}
				crec, _ := inodeDesc.UnpackBytes(cbuf, 0)
				cNameLen := int64(crec["nameLenOffset"].(uint32)&0x3f) * 4
				childOff += int64(inodeDesc.Size()) + cNameLen
			}
		}
		return nil
	}

	if err := walk(int64(superDesc.Size()), ""); err != nil {
		return nil, err
	}
	return out, nil
}

// checkCrc recomputes the image CRC-32 the same way the on-disk value
// was produced: the crc field itself (offset 32, 4 bytes) reads as
// zero, every other byte participates unmodified.
func checkCrc(src io.ReaderAt, size int64, want uint32) error {
	crc := crc32.NewIEEE()
	if err := crcRegion(crc, src, 0, 32); err != nil {
		return err
	}
	crc.Write(make([]byte, 4))
	if err := crcRegion(crc, src, 36, size-36); err != nil {
		return err
	}
	if crc.Sum32() != want {
		return codecerr.Newf(codecerr.KindWrongChecksum, "cramfs: crc mismatch")
	}
	return nil
}

func crcRegion(w io.Writer, src io.ReaderAt, off, n int64) error {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	if _, err := src.ReadAt(buf, off); err != nil {
		return errors.Wrap(err, "cramfs: crc read")
	}
	w.Write(buf)
	return nil
}

func decompressZlib(block []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(block))
	if err != nil {
		return nil, codecerr.Wrapf(codecerr.KindMalformed, err, "cramfs: zlib header")
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, codecerr.Wrapf(codecerr.KindMalformed, err, "cramfs: zlib inflate")
	}
	return out, nil
}

func decompressLz77(block []byte) ([]byte, error) {
	// Inflate's errors already carry their kind (an unknown frame
	// discriminator is Unsupported, not Malformed), so they pass through
	// untouched.
	return lz77.Inflate(bytes.NewReader(block))
}

// newChunkedFile lazily decodes a file's block-pointer table,
// decompressing one block per Producer call. Decoded blocks land in
// blockCache so that a rewound stream does not re-run the decode.
func newChunkedFile(src io.ReaderAt, token uint64, dataOffset, size int64, decompress func([]byte) ([]byte, error)) *streamview.ChunkedFile {
	nBlocks := (size-1)/blockSize + 1
	if size == 0 {
		nBlocks = 0
	}

	factory := func() streamview.Producer {
		i := int64(0)
		var pointers []uint32
		return func() ([]byte, error) {
			if pointers == nil {
				raw := make([]byte, (nBlocks+1)*4)
				if _, err := src.ReadAt(raw[4:], dataOffset); err != nil {
					return nil, errors.Wrap(err, "cramfs: read block pointer table")
				}
				pointers = make([]uint32, nBlocks+1)
				pointers[0] = uint32(dataOffset + nBlocks*4)
				for j := int64(0); j < nBlocks; j++ {
					pointers[j+1] = leUint32(raw[4+4*j:])
				}
			}
			if i >= nBlocks {
				return nil, io.EOF
			}
			start, end := pointers[i], pointers[i+1]
			if end < start {
				return nil, codecerr.Newf(codecerr.KindMalformed, "cramfs: block pointer table out of order")
			}

			block, cached := []byte(nil), false
			if c := blockCache(); c != nil {
				block, cached = c.Get(token, int64(start))
			}
			if !cached {
				raw := make([]byte, end-start)
				if _, err := src.ReadAt(raw, int64(start)); err != nil {
					return nil, errors.Wrap(err, "cramfs: read compressed block")
				}
				var err error
				block, err = decompress(raw)
				if err != nil {
					return nil, err
				}
				if c := blockCache(); c != nil {
					c.Put(token, int64(start), block)
				}
			}

			i++
			if i >= nBlocks {
				return block, io.EOF
			}
			return block, nil
		}
	}

	return streamview.New(factory, size)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
