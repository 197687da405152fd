// Package fat reads FAT12/FAT16 filesystem images, including VFAT
// long-name entries and the Sony symlink convention (attribute 0x04
// with a tagged creation-time field).
package fat

import (
	"bytes"
	"io"
	"time"
	"unicode/utf16"

	"github.com/cockroachdb/errors"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
	"github.com/sonyfw/fwimg/internal/structpack"
	"github.com/sonyfw/fwimg/internal/streamview"
)

const (
	headerSize   = 512
	dirEntrySize = 32
)

var (
	bootSignature     = [2]byte{0x55, 0xaa}
	extendedSignature = byte(0x29)
)

var headerDesc = structpack.New(structpack.LittleEndian,
	structpack.Bytes("jump", 3),
	structpack.Bytes("oemName", 8),
	structpack.Int16("bytesPerSector"),
	structpack.Int8("sectorsPerCluster"),
	structpack.Int16("reservedSectors"),
	structpack.Int8("fatCopies"),
	structpack.Int16("rootEntries"),
	structpack.Int16("sectors"),
	structpack.Int8("mediaDescriptor"),
	structpack.Int16("sectorsPerFat"),
	structpack.Pad(14),
	structpack.Bytes("extendedSignature", 1),
	structpack.Int32("serialNumber"),
	structpack.Bytes("volumeLabel", 11),
	structpack.Bytes("fsType", 8),
	structpack.Pad(448),
	structpack.Bytes("signature", 2),
)

var dirEntryDesc = structpack.New(structpack.LittleEndian,
	structpack.Bytes("name", 8),
	structpack.Bytes("ext", 3),
	structpack.Int8("attr"),
	structpack.Pad(1),
	structpack.Int8("ctimeCs"),
	structpack.Pad(8),
	structpack.Int16("time"),
	structpack.Int16("date"),
	structpack.Int16("cluster"),
	structpack.Int32("size"),
)

var vfatEntryDesc = structpack.New(structpack.LittleEndian,
	structpack.Int8("sequence"),
	structpack.Bytes("name1", 10),
	structpack.Int8("attr"),
	structpack.Pad(1),
	structpack.Int8("checksum"),
	structpack.Bytes("name2", 12),
	structpack.Pad(2),
	structpack.Bytes("name3", 4),
)

type header struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	fatCopies         uint8
	rootEntries       uint16
	sectorsPerFat     uint16
	fsType            string
}

func unpackHeader(src io.ReaderAt) (header, bool) {
	buf := make([]byte, headerSize)
	if _, err := src.ReadAt(buf, 0); err != nil {
		return header{}, false
	}
	rec, ok := headerDesc.UnpackBytes(buf, 0)
	if !ok {
		return header{}, false
	}
	if [2]byte{rec["signature"].([]byte)[0], rec["signature"].([]byte)[1]} != bootSignature {
		return header{}, false
	}
	if rec["extendedSignature"].([]byte)[0] != extendedSignature {
		return header{}, false
	}
	fsType := string(rec["fsType"].([]byte))
	h := header{
		bytesPerSector:    rec["bytesPerSector"].(uint16),
		sectorsPerCluster: rec["sectorsPerCluster"].(uint8),
		reservedSectors:   rec["reservedSectors"].(uint16),
		fatCopies:         rec["fatCopies"].(uint8),
		rootEntries:       rec["rootEntries"].(uint16),
		sectorsPerFat:     rec["sectorsPerFat"].(uint16),
		fsType:            fsType,
	}
	return h, true
}

// IsFat sniffs the boot sector for the extended-BPB signature and a
// "FATnn" filesystem type string.
func IsFat(src io.ReaderAt) bool {
	h, ok := unpackHeader(src)
	if !ok {
		return false
	}
	return bytes.HasPrefix([]byte(h.fsType), []byte("FAT"))
}

// Read parses a FAT12 or FAT16 image from src and returns every entry,
// root directory first, depth-first.
func Read(src io.ReaderAt, size int64) ([]fstree.UnixFile, error) {
	h, ok := unpackHeader(src)
	if !ok {
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "fat: bad boot sector")
	}
	if !bytes.HasPrefix([]byte(h.fsType), []byte("FAT")) {
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "fat: bad magic")
	}

	bps := int64(h.bytesPerSector)
	fatOffset := int64(h.reservedSectors) * bps
	rootOffset := fatOffset + int64(h.fatCopies)*int64(h.sectorsPerFat)*bps
	dataOffset := rootOffset + ceilDiv(int64(h.rootEntries)*dirEntrySize, bps)*bps

	var endMarker uint32
	var clusters []uint32

	fatBytes := make([]byte, int64(h.sectorsPerFat)*bps)
	if _, err := src.ReadAt(fatBytes, fatOffset); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "fat: read FAT table")
	}

	switch string(trimNul(h.fsType)) {
	case "FAT12":
		endMarker = 0xfff
		for i := 0; i+3 <= len(fatBytes); i += 3 {
			packed := uint32(fatBytes[i]) | uint32(fatBytes[i+1])<<8 | uint32(fatBytes[i+2])<<16
			clusters = append(clusters, packed&0xfff, (packed>>12)&0xfff)
		}
	case "FAT16":
		endMarker = 0xffff
		for i := 0; i+2 <= len(fatBytes); i += 2 {
			clusters = append(clusters, uint32(fatBytes[i])|uint32(fatBytes[i+1])<<8)
		}
	default:
		return nil, codecerr.Newf(codecerr.KindUnsupported, "fat: unknown fsType %q", h.fsType)
	}

	rootBuf := make([]byte, dataOffset-rootOffset)
	if _, err := src.ReadAt(rootBuf, rootOffset); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "fat: read root directory")
	}

	clusterSize := int64(h.sectorsPerCluster) * bps

	var out []fstree.UnixFile
	var readDir func(entries []byte, path string) error
	readDir = func(entries []byte, path string) error {
		var vfatName []uint16
		off := 0
		for off < len(entries) && entries[off] != 0 {
			rec, ok := dirEntryDesc.UnpackBytes(entries, off)
			if !ok {
				break
			}
			nameRaw := rec["name"].([]byte)
			if nameRaw[0] != 0xe5 {
				attr := rec["attr"].(uint8)
				if attr == 0x0f {
					vrec, ok := vfatEntryDesc.UnpackBytes(entries, off)
					if ok {
						part := append(append(utf16Units(vrec["name1"].([]byte)), utf16Units(vrec["name2"].([]byte))...), utf16Units(vrec["name3"].([]byte))...)
						vfatName = append(part, vfatName...)
					}
				} else {
					var name string
					if len(vfatName) > 0 {
						name = decodeUtf16Trim(vfatName)
						vfatName = nil
					} else {
						name = asciiName(nameRaw)
						ext := asciiTrim(rec["ext"].([]byte))
						if ext != "" {
							name += "." + ext
						}
					}

					if name != "." && name != ".." {
						ctimeCs := rec["ctimeCs"].(uint8)
						isLink := attr&0x04 != 0 && ctimeCs&0xe1 == 0x21
						isDir := attr&0x10 != 0
						cluster := uint32(rec["cluster"].(uint16))
						fsize := rec["size"].(uint32)

						mode := fstree.ModeRegular
						if isDir {
							mode = fstree.ModeDir
						} else if isLink {
							mode = fstree.ModeSymlink
						}

						chunked := newChunkedFile(src, dataOffset, clusterSize, clusters, endMarker, cluster, int64(fsize), isDir)

						entryPath := path + "/" + name
						var contentsSize int64 = int64(fsize)
						if isDir {
							contentsSize = -1
						}

						var contents io.ReadSeeker
						if !isDir {
							contents = chunked
						}

						out = append(out, fstree.UnixFile{
							Path:     entryPath,
							Size:     contentsSize,
							Mtime:    dosMtime(rec["date"].(uint16), rec["time"].(uint16)),
							Mode:     uint32(mode),
							Contents: contents,
						})

						if isDir {
							dirBuf, err := io.ReadAll(chunked)
							if err != nil {
								return errors.Wrap(err, "fat: read subdirectory")
							}
							if err := readDir(dirBuf, entryPath); err != nil {
								return err
							}
						}
					}
				}
			}
			off += dirEntrySize
		}
		return nil
	}

	if err := readDir(rootBuf, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

func trimNul(s string) string {
	return string(bytes.TrimRight([]byte(s), " \x00"))
}

func asciiName(b []byte) string {
	name := asciiTrim(b)
	if len(name) > 0 && name[0] == 0x05 {
		name = "\xe5" + name[1:]
	}
	return name
}

func asciiTrim(b []byte) string {
	return string(bytes.TrimRight(b, " "))
}

func utf16Units(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return out
}

func decodeUtf16Trim(units []uint16) string {
	for len(units) > 0 && (units[len(units)-1] == 0 || units[len(units)-1] == 0xffff) {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units))
}

func dosMtime(date, timeField uint16) int64 {
	year := 1980 + int(date>>9)
	month := int((date >> 5) & 0xf)
	day := int(date & 0x1f)
	hour := int(timeField >> 11)
	min := int((timeField >> 5) & 0x3f)
	sec := int(timeField&0x1f) * 2
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC).Unix()
}

// newChunkedFile streams a cluster chain starting at startCluster,
// clusterSize bytes per cluster, stopping at the chain's end marker. A
// directory's chain is read in full regardless of size (directories
// have no reliable size field); a file's final chunk is truncated to
// its declared size.
func newChunkedFile(src io.ReaderAt, dataOffset, clusterSize int64, clusters []uint32, endMarker, startCluster uint32, size int64, isDir bool) *streamview.ChunkedFile {
	declared := size
	if isDir {
		declared = -1
	}

	factory := func() streamview.Producer {
		cluster := startCluster
		read := int64(0)
		return func() ([]byte, error) {
			if cluster == 0 || cluster == endMarker || (!isDir && read >= size) {
				return nil, io.EOF
			}
			buf := make([]byte, clusterSize)
			off := dataOffset + int64(cluster-2)*clusterSize
			if _, err := src.ReadAt(buf, off); err != nil {
				return nil, errors.Wrap(err, "fat: read cluster")
			}
			read += int64(len(buf))
			next := endMarker
			if int(cluster) < len(clusters) {
				next = clusters[cluster]
			}
			cluster = next

			if !isDir && read > size {
				buf = buf[:int64(len(buf))-(read-size)]
			}
			if cluster == 0 || cluster == endMarker || (!isDir && read >= size) {
				return buf, io.EOF
			}
			return buf, nil
		}
	}

	return streamview.New(factory, declared)
}
