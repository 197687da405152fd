// Package fat writes FAT12 filesystem images: the dual of
// internal/fsreaders/fat, assembling a boot sector, a single FAT12
// table, a fixed root directory, and a cluster-chained data region from
// a flat list of entries.
package fat

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
	"github.com/sonyfw/fwimg/internal/structpack"
)

const (
	sectorSize   = 0x200
	clusterSize  = 0x4000
	dirEntrySize = 32
	fatEndMarker = 0xfff
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

// Write lays out files (paths rooted the same way internal/fsreaders/fat
// produces them: "" is the implicit root, every other entry starts with
// "/") into a FAT12 image of exactly size bytes, written to w.
func Write(files []fstree.UnixFile, size int64, w io.Writer) error {
	byPath := make(map[string]fstree.UnixFile, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	children := map[string][]string{"": nil}
	for _, f := range files {
		p := f.Path
		for p != "" {
			parent := parentOf(p)
			if _, ok := children[parent]; !ok {
				children[parent] = nil
			}
			if !containsStr(children[parent], p) {
				children[parent] = append(children[parent], p)
			}
			p = parent
		}
	}
	for _, kids := range children {
		sort.Strings(kids)
	}

	sectors := size / sectorSize
	fatSize := (size/clusterSize + 1) / 2 * 3
	fatSectors := (fatSize + sectorSize - 1) / sectorSize

	if size <= 0 {
		return codecerr.Newf(codecerr.KindMalformed, "fat: size must be positive")
	}
	img := make([]byte, size)

	hdr := headerDesc.Pack(structpack.Record{
		"jump":              []byte{0xeb, 0, 0x90},
		"oemName":           make([]byte, 8),
		"bytesPerSector":    uint16(sectorSize),
		"sectorsPerCluster": uint8(clusterSize / sectorSize),
		"reservedSectors":   uint16(1),
		"fatCopies":         uint8(1),
		"rootEntries":       uint16(clusterSize / dirEntrySize),
		"sectors":           uint16(sectors),
		"mediaDescriptor":   uint8(0xf8),
		"sectorsPerFat":     uint16(fatSectors),
		"extendedSignature": []byte{0x29},
		"serialNumber":      uint32(0),
		"volumeLabel":       bytes.Repeat([]byte(" "), 11),
		"fsType":            []byte("FAT12   "),
		"signature":         []byte{0x55, 0xaa},
	})
	copy(img, hdr)

	fatOffset := int64(sectorSize)
	rootOffset := fatOffset + fatSectors*sectorSize
	dataOffset := rootOffset + clusterSize

	clusters := []uint32{0xff8, 0xfff}

	writeData := func(r io.Reader) (startCluster uint32, written int64, err error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return 0, 0, err
		}
		off := dataOffset + int64(len(clusters)-2)*clusterSize
		if off+int64(len(data)) > int64(len(img)) {
			return 0, 0, codecerr.Newf(codecerr.KindMalformed, "fat: image too small for its own contents")
		}
		copy(img[off:], data)
		nc := ceilDiv(int64(len(data)), clusterSize)
		for i := int64(0); i < nc; i++ {
			if i == 0 {
				startCluster = uint32(len(clusters))
			}
			if i < nc-1 {
				clusters = append(clusters, uint32(len(clusters)+1))
			} else {
				clusters = append(clusters, fatEndMarker)
			}
		}
		return startCluster, int64(len(data)), nil
	}

	dotEntries := func(parentCluster, cluster uint32) []byte {
		var buf bytes.Buffer
		buf.Write(dirEntryDesc.Pack(structpack.Record{
			"name": []byte(".       "), "ext": []byte("   "), "attr": uint8(0x10),
			"cluster": uint16(cluster), "size": uint32(0),
		}))
		buf.Write(dirEntryDesc.Pack(structpack.Record{
			"name": []byte("..      "), "ext": []byte("   "), "attr": uint8(0x10),
			"cluster": uint16(parentCluster), "size": uint32(0),
		}))
		return buf.Bytes()
	}

	dirClusters := map[string]uint32{}

	var writeDir func(p string) ([]byte, error)
	writeDir = func(p string) ([]byte, error) {
		var buf bytes.Buffer
		if p != "" {
			buf.Write(dotEntries(0, 0)) // patched once this dir's own cluster is known
		}
		for _, childPath := range children[p] {
			f, explicit := byPath[childPath]
			if !explicit {
				f = fstree.UnixFile{Path: childPath, Mode: fstree.ModeDir | 0o775}
			}

			var content io.Reader = bytes.NewReader(nil)
			if fstree.IsDir(f.Mode) {
				sub, err := writeDir(childPath)
				if err != nil {
					return nil, err
				}
				content = bytes.NewReader(sub)
			} else if f.Contents != nil {
				if _, err := f.Contents.Seek(0, io.SeekStart); err != nil {
					return nil, err
				}
				content = f.Contents
			}

			cluster, written, err := writeData(content)
			if err != nil {
				return nil, err
			}
			if fstree.IsDir(f.Mode) {
				dirClusters[childPath] = cluster
			}

			base := basename(childPath)
			name, ext := shortName(base)
			checksum := vfatChecksum(name, ext)
			writeVfatEntries(&buf, base, checksum)

			t := time.Unix(f.Mtime, 0).UTC()
			var attr, ctimeCs uint8
			entrySize := uint32(written)
			switch {
			case fstree.IsDir(f.Mode):
				attr, entrySize = 0x10, 0
			case fstree.IsSymlink(f.Mode):
				attr, ctimeCs = 0x04, 0x21
			}

			buf.Write(dirEntryDesc.Pack(structpack.Record{
				"name": name, "ext": ext, "attr": attr, "ctimeCs": ctimeCs,
				"time": dosTime(t), "date": dosDate(t),
				"cluster": uint16(cluster), "size": entrySize,
			}))
		}
		return buf.Bytes(), nil
	}

	root, err := writeDir("")
	if err != nil {
		return err
	}
	if int64(len(root)) > clusterSize {
		return codecerr.Newf(codecerr.KindMalformed, "fat: root directory overflows its fixed-size area")
	}
	copy(img[rootOffset:], root)

	for p, c := range dirClusters {
		parent := parentOf(p)
		var parentCluster uint32
		if parent != "" {
			parentCluster = dirClusters[parent]
		}
		off := dataOffset + int64(c-2)*clusterSize
		copy(img[off:], dotEntries(parentCluster, c))
	}

	fatBuf := make([]byte, fatSectors*sectorSize)
	for i := 0; i < len(clusters); i += 2 {
		a := clusters[i]
		var b uint32
		if i+1 < len(clusters) {
			b = clusters[i+1]
		}
		packed := a | (b << 12)
		o := (i / 2) * 3
		if o+3 > len(fatBuf) {
			break
		}
		fatBuf[o] = byte(packed)
		fatBuf[o+1] = byte(packed >> 8)
		fatBuf[o+2] = byte(packed >> 16)
	}
	copy(img[fatOffset:], fatBuf)

	_, err = w.Write(img)
	return err
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

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

// shortName derives the 8.3 alias dirEntryDesc stores, space-padded to
// fixed width; the VFAT entries written alongside carry the real name.
func shortName(base string) (name, ext []byte) {
	upper := strings.ToUpper(base) + "."
	parts := strings.SplitN(upper, ".", 2)
	n, e := parts[0], parts[1]
	if len(n) > 8 {
		n = n[:8]
	}
	if len(e) > 3 {
		e = e[:3]
	}
	name = []byte(n)
	for len(name) < 8 {
		name = append(name, ' ')
	}
	ext = []byte(e)
	for len(ext) < 3 {
		ext = append(ext, ' ')
	}
	return name, ext
}

// vfatChecksum is the standard VFAT short-name checksum; the accumulator
// is a plain byte, which wraps mod 256 on every add — the explicit
// &0xFF masking the on-wire format calls for.
func vfatChecksum(name, ext []byte) byte {
	var sum byte
	for _, c := range name {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	for _, c := range ext {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

// writeVfatEntries emits base's VFAT long-name entries in reverse
// storage order (the last 13-rune chunk first, flagged with 0x40), the
// same last-part-first convention internal/fsreaders/fat undoes on read.
func writeVfatEntries(buf *bytes.Buffer, base string, checksum byte) {
	runes := []rune(base + "\x00")
	var parts [][]rune
	for i := 0; i < len(runes); i += 13 {
		end := i + 13
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, runes[i:end])
	}
	for i := len(parts) - 1; i >= 0; i-- {
		units := utf16.Encode(parts[i])
		raw := make([]byte, 26)
		for j := range raw {
			raw[j] = 0xff
		}
		for j, u := range units {
			if 2*j+1 >= len(raw) {
				break
			}
			raw[2*j] = byte(u)
			raw[2*j+1] = byte(u >> 8)
		}
		seq := uint8(i + 1)
		if i == len(parts)-1 {
			seq |= 0x40
		}
		buf.Write(vfatEntryDesc.Pack(structpack.Record{
			"sequence": seq,
			"name1":    raw[0:10],
			"attr":     uint8(0x0f),
			"checksum": checksum,
			"name2":    raw[10:22],
			"name3":    raw[22:26],
		}))
	}
}

func dosTime(t time.Time) uint16 {
	return uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}

func dosDate(t time.Time) uint16 {
	y := t.Year() - 1980
	if y < 0 {
		y = 0
	}
	return uint16(y)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
}
