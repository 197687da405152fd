// Package fdatcodec reads and writes the FDAT payload: a
// fixed 512-byte "UDTRFIRM" header describing model/region/version and
// pointing at an embedded tar firmware archive and an embedded
// filesystem image (cramfs or FAT), followed by those two regions.
package fdatcodec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/streamview"
)

const headerSize = 512

var fdatMagic = [8]byte{'U', 'D', 'T', 'R', 'F', 'I', 'R', 'M'}

var fdatVersion = [4]byte{'0', '1', '0', '0'}

const (
	modeTypeUser = 'U'
	luwFlagN     = 'N'
)

const maxFsDescriptors = 28
const fsDescriptorSize = 12 // modeType:u8 + 3 pad + offset:u32 + size:u32

// FsDescriptor is one entry of the embedded filesystem table.
type FsDescriptor struct {
	ModeType   byte
	Offset, Size uint32
}

// Header is the parsed, fixed-size FDAT header.
type Header struct {
	VersionMinor, VersionMajor byte
	Model, Region              uint32
	FirmwareOffset, FirmwareSize uint32
	FsDescriptors              []FsDescriptor
}

// VersionString formats the BCD-hex-display version, e.g. "4.01".
func (h Header) VersionString() string {
	return fmt.Sprintf("%x.%02x", h.VersionMajor, h.VersionMinor)
}

// IsAccessory reports whether the model code identifies an accessory
// (lens, flash, etc.) rather than a camera body.
func (h Header) IsAccessory() bool {
	return h.Model&0xff0000 == 0xa00000
}

// File is the fully-resolved FDAT payload: the parsed header plus views
// over its embedded firmware tar and filesystem image.
type File struct {
	Header   Header
	Firmware *streamview.FilePart
	Fs       *streamview.FilePart
}

// IsFdat sniffs the fixed header without validating CRC or field ranges:
// magic match plus the zero-tail of the unused filesystem-descriptor
// slots beyond numFileSystems. That is exactly the predicate the
// crypter trial needs: cheap, and false for any wrong-key decrypt.
func IsFdat(header []byte) bool {
	if len(header) < headerSize {
		return false
	}
	if [8]byte(header[0:8]) != fdatMagic {
		return false
	}
	n := binary.BigEndian.Uint32(header[36:40])
	if n > maxFsDescriptors {
		return false
	}
	tailStart := 40 + int(n)*fsDescriptorSize
	for _, b := range header[tailStart:headerSize] {
		if b != 0 {
			return false
		}
	}
	return true
}

// Read parses the 512-byte header from src (positioned at the start of
// an FDAT payload of totalSize bytes) and resolves its firmware/fs
// views.
func Read(src io.ReaderAt, totalSize int64) (File, error) {
	var hdr [headerSize]byte
	if _, err := src.ReadAt(hdr[:], 0); err != nil {
		return File{}, codecerr.Wrapf(codecerr.KindTruncated, err, "fdatcodec: read header")
	}

	if [8]byte(hdr[0:8]) != fdatMagic {
		return File{}, codecerr.Newf(codecerr.KindWrongMagic, "fdatcodec: wrong magic")
	}

	wantCrc := binary.BigEndian.Uint32(hdr[8:12])
	gotCrc := crc32.ChecksumIEEE(hdr[12:headerSize])
	if gotCrc != wantCrc {
		return File{}, codecerr.Newf(codecerr.KindWrongChecksum, "fdatcodec: header CRC mismatch: got %#x want %#x", gotCrc, wantCrc)
	}

	if [4]byte(hdr[12:16]) != fdatVersion {
		return File{}, codecerr.Newf(codecerr.KindWrongVersion, "fdatcodec: unsupported header version")
	}
	if hdr[16] != modeTypeUser {
		return File{}, codecerr.Newf(codecerr.KindUnsupported, "fdatcodec: unsupported modeType %q", hdr[16])
	}
	if hdr[17] != luwFlagN {
		return File{}, codecerr.Newf(codecerr.KindUnsupported, "fdatcodec: unsupported luwFlag %q", hdr[17])
	}

	h := Header{
		VersionMinor:   hdr[18],
		VersionMajor:   hdr[19],
		Model:          binary.BigEndian.Uint32(hdr[20:24]),
		Region:         binary.BigEndian.Uint32(hdr[24:28]),
		FirmwareOffset: binary.BigEndian.Uint32(hdr[28:32]),
		FirmwareSize:   binary.BigEndian.Uint32(hdr[32:36]),
	}
	n := binary.BigEndian.Uint32(hdr[36:40])
	if n > maxFsDescriptors {
		return File{}, codecerr.Newf(codecerr.KindMalformed, "fdatcodec: numFileSystems %d exceeds %d", n, maxFsDescriptors)
	}

	var userFs *FsDescriptor
	for i := uint32(0); i < n; i++ {
		off := 40 + int(i)*fsDescriptorSize
		d := FsDescriptor{
			ModeType: hdr[off],
			Offset:   binary.BigEndian.Uint32(hdr[off+4 : off+8]),
			Size:     binary.BigEndian.Uint32(hdr[off+8 : off+12]),
		}
		h.FsDescriptors = append(h.FsDescriptors, d)
		if d.ModeType == modeTypeUser && userFs == nil {
			dCopy := d
			userFs = &dCopy
		}
	}
	if userFs == nil {
		return File{}, codecerr.Newf(codecerr.KindUnsupported, "fdatcodec: no filesystem descriptor with modeType 'U'")
	}

	return File{
		Header:   h,
		Firmware: streamview.NewFilePart(src, int64(h.FirmwareOffset), int64(h.FirmwareSize)),
		Fs:       streamview.NewFilePart(src, int64(userFs.Offset), int64(userFs.Size)),
	}, nil
}

// Write emits f as a complete FDAT payload: [header][fs][firmware],
// with the header's CRC patched after the rest of the fields are known.
// The written header always carries exactly two filesystem
// descriptors: the real user image, and a zero-size "prod" placeholder.
func Write(w io.Writer, h Header, fs, firmware io.Reader) error {
	fsBytes, err := io.ReadAll(fs)
	if err != nil {
		return codecerr.Wrapf(codecerr.KindTruncated, err, "fdatcodec: read fs")
	}
	firmwareBytes, err := io.ReadAll(firmware)
	if err != nil {
		return codecerr.Wrapf(codecerr.KindTruncated, err, "fdatcodec: read firmware")
	}

	fsOffset := uint32(headerSize)
	firmwareOffset := fsOffset + uint32(len(fsBytes))

	var hdr [headerSize]byte
	copy(hdr[0:8], fdatMagic[:])
	copy(hdr[12:16], fdatVersion[:])
	hdr[16] = modeTypeUser
	hdr[17] = luwFlagN
	hdr[18] = h.VersionMinor
	hdr[19] = h.VersionMajor
	binary.BigEndian.PutUint32(hdr[20:24], h.Model)
	binary.BigEndian.PutUint32(hdr[24:28], h.Region)
	binary.BigEndian.PutUint32(hdr[28:32], firmwareOffset)
	binary.BigEndian.PutUint32(hdr[32:36], uint32(len(firmwareBytes)))
	binary.BigEndian.PutUint32(hdr[36:40], 2)

	hdr[40] = modeTypeUser
	binary.BigEndian.PutUint32(hdr[44:48], fsOffset)
	binary.BigEndian.PutUint32(hdr[48:52], uint32(len(fsBytes)))

	hdr[52] = 'P' // prod image placeholder, zero-size
	binary.BigEndian.PutUint32(hdr[56:60], firmwareOffset)
	binary.BigEndian.PutUint32(hdr[60:64], 0)

	crc := crc32.ChecksumIEEE(hdr[12:headerSize])
	binary.BigEndian.PutUint32(hdr[8:12], crc)

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(fsBytes); err != nil {
		return err
	}
	_, err = w.Write(firmwareBytes)
	return err
}
