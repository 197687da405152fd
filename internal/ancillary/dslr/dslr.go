// Package dslr reads DSLR-era firmware images: an xor55-encrypted
// container holding a small file table. The xor55 keystream is tried
// in both big- and little-endian word order before giving up, since the
// camera's own endianness isn't otherwise discoverable from the
// ciphertext.
package dslr

import (
	"bytes"
	"fmt"
	"io"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/streamview"
	"github.com/sonyfw/fwimg/internal/structpack"
	"github.com/sonyfw/fwimg/internal/xor55"
)

const xorSeed = 0x87654321

var headerDesc = structpack.New(structpack.LittleEndian,
	structpack.Bytes("magic", 8),
	structpack.Bytes("model", 4),
	structpack.Bytes("version", 2),
	structpack.Int8("nFiles"),
	structpack.Pad(1),
	structpack.Int32("checksum"),
	structpack.Int32("size"),
	structpack.Pad(8),
)

var fileEntryDesc = structpack.New(structpack.LittleEndian,
	structpack.Bytes("name", 12),
	structpack.Int32("size"),
	structpack.Int32("offset"),
	structpack.Pad(12),
)

var headerMagic = []byte("cnrjC012")

// File is one entry of a DSLR firmware file table.
type File struct {
	Name     string
	Contents *streamview.FilePart
}

// FirmwareFile is a decoded DSLR firmware container.
type FirmwareFile struct {
	Model   uint32
	Version string
	Files   []File
}

func decrypt(data []byte, bigEndian bool) []byte {
	return xor55.Crypt(xorSeed, data, bigEndian)
}

// findDecrypt tries big-endian first, then little-endian, returning
// whichever recovers the magic.
func findDecrypt(header []byte) (bigEndian bool, ok bool) {
	for _, be := range []bool{true, false} {
		d := decrypt(header, be)
		if rec, unpacked := headerDesc.UnpackBytes(d, 0); unpacked && bytes.Equal(rec["magic"].([]byte), headerMagic) {
			return be, true
		}
	}
	return false, false
}

// Is reports whether src's header decrypts to the DSLR magic under
// either byte order.
func Is(src io.ReaderAt) bool {
	header := make([]byte, headerDesc.Size())
	if _, err := src.ReadAt(header, 0); err != nil {
		return false
	}
	_, ok := findDecrypt(header)
	return ok
}

// Decrypt returns the whole image, decrypted under whichever byte order
// recovers the magic in its first headerDesc.Size() bytes — the
// decrypt-only trial step a caller can use before Read, mirroring
// decryptDslrFirmware/isDslrFirmware's split from readDslrFirmware.
func Decrypt(r io.Reader) (io.Reader, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "dslr: read image")
	}
	if len(raw) < headerDesc.Size() {
		return nil, codecerr.Newf(codecerr.KindTruncated, "dslr: image shorter than header")
	}
	bigEndian, ok := findDecrypt(raw[:headerDesc.Size()])
	if !ok {
		return nil, codecerr.Newf(codecerr.KindWrongMagic, "dslr: cannot decrypt header")
	}
	return bytes.NewReader(decrypt(raw, bigEndian)), nil
}

// Read parses a decrypted DSLR firmware image (as returned by Decrypt)
// out of src.
func Read(src io.ReaderAt, size int64) (FirmwareFile, error) {
	hbuf := make([]byte, headerDesc.Size())
	if _, err := src.ReadAt(hbuf, 0); err != nil {
		return FirmwareFile{}, codecerr.Wrapf(codecerr.KindTruncated, err, "dslr: read header")
	}
	h, ok := headerDesc.UnpackBytes(hbuf, 0)
	if !ok {
		return FirmwareFile{}, codecerr.Newf(codecerr.KindTruncated, "dslr: short header")
	}
	if !bytes.Equal(h["magic"].([]byte), headerMagic) {
		return FirmwareFile{}, codecerr.Newf(codecerr.KindWrongMagic, "dslr: bad magic")
	}

	nFiles := int(h["nFiles"].(uint8))
	tableEnd := int64(headerDesc.Size() + nFiles*fileEntryDesc.Size())

	body := make([]byte, size-tableEnd)
	if _, err := src.ReadAt(body, tableEnd); err != nil {
		return FirmwareFile{}, codecerr.Wrapf(codecerr.KindTruncated, err, "dslr: read body")
	}
	var sum uint32
	for _, b := range body {
		sum += uint32(b)
	}
	if sum != h["checksum"].(uint32) {
		return FirmwareFile{}, codecerr.Newf(codecerr.KindWrongChecksum, "dslr: checksum mismatch")
	}

	version, err := decodeVersion(h["version"].([]byte))
	if err != nil {
		return FirmwareFile{}, err
	}

	modelStr := string(bytes.TrimRight(h["model"].([]byte), "\x00"))
	model, err := parseModel(modelStr)
	if err != nil {
		return FirmwareFile{}, err
	}

	var files []File
	off := int64(headerDesc.Size())
	for i := 0; i < nFiles; i++ {
		fbuf := make([]byte, fileEntryDesc.Size())
		if _, err := src.ReadAt(fbuf, off); err != nil {
			return FirmwareFile{}, codecerr.Wrapf(codecerr.KindTruncated, err, "dslr: read file entry %d", i)
		}
		f, ok := fileEntryDesc.UnpackBytes(fbuf, 0)
		if !ok {
			return FirmwareFile{}, codecerr.Newf(codecerr.KindTruncated, "dslr: short file entry %d", i)
		}
		name := string(bytes.TrimRight(f["name"].([]byte), "\x00"))
		files = append(files, File{
			Name:     name,
			Contents: streamview.NewFilePart(src, int64(f["offset"].(uint32)), int64(f["size"].(uint32))),
		})
		off += int64(fileEntryDesc.Size())
	}

	return FirmwareFile{Model: model, Version: version, Files: files}, nil
}

// decodeVersion handles the version field's dual encoding: an ASCII
// numeric string read verbatim, or (when the field isn't all digits) a
// packed BCD u16 formatted "major.minor".
func decodeVersion(raw []byte) (string, error) {
	if isAsciiDigits(raw) {
		return string(raw), nil
	}
	if len(raw) != 2 {
		return "", codecerr.Newf(codecerr.KindMalformed, "dslr: version field wrong width")
	}
	v := uint16(raw[0]) | uint16(raw[1])<<8
	return fmt.Sprintf("%x.%02x", v&0xff, v>>8), nil
}

func isAsciiDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func parseModel(s string) (uint32, error) {
	var v uint32
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, codecerr.Wrapf(codecerr.KindMalformed, err, "dslr: parse model %q", s)
	}
	return v, nil
}
