// Package ash reads ASH-encrypted firmware images: a fixed-size header
// carrying a byte-sum checksum of the body that follows it, recovered by trying two candidate
// decrypt functions in order: the LUT substitution (b³ mod 253), then
// the xor55 keystream (seed 0x12345678, big-endian words). Whichever
// recovers the magic wins.
package ash

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/structpack"
	"github.com/sonyfw/fwimg/internal/xor55"
)

const xorSeed = 0x12345678

var headerDesc = structpack.New(structpack.BigEndian,
	structpack.Bytes("magic", 8),
	structpack.Bytes("model", 4),
	structpack.Bytes("region", 4),
	structpack.Int32("checksum"),
	structpack.Pad(4),
	structpack.Bytes("size", 8),
	structpack.Int16("version"),
	structpack.Pad(30),
)

var headerMagic = []byte("CX0900AP")

// File is a decrypted ASH image: identifying header fields plus the
// full decrypted body, header included.
type File struct {
	Model    uint32
	Region   uint32
	Version  string
	Contents io.Reader
}

// lut is the byte-wise substitution b -> b*b*b mod 253 for b < 253,
// identity for b in {253, 254, 255}.
var lut = func() [256]byte {
	var t [256]byte
	for b := 0; b < 256; b++ {
		if b < 253 {
			t[b] = byte((b * b * b) % 253)
		} else {
			t[b] = byte(b)
		}
	}
	return t
}()

func decryptLut(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = lut[b]
	}
	return out
}

func decryptXor(data []byte) []byte {
	return xor55.Crypt(xorSeed, data, true)
}

func findDecrypt(header []byte) func([]byte) []byte {
	for _, f := range []func([]byte) []byte{decryptLut, decryptXor} {
		d := f(header)
		if rec, ok := headerDesc.UnpackBytes(d, 0); ok && bytes.Equal(rec["magic"].([]byte), headerMagic) {
			return f
		}
	}
	return nil
}

// Is reports whether src's header decrypts to the ASH magic under
// either candidate function.
func Is(src io.ReaderAt) bool {
	header := make([]byte, headerDesc.Size())
	if _, err := src.ReadAt(header, 0); err != nil {
		return false
	}
	return findDecrypt(header) != nil
}

// Read decrypts and validates the full ASH image read from r.
func Read(r io.Reader) (File, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return File{}, codecerr.Wrapf(codecerr.KindTruncated, err, "ash: read image")
	}
	if len(raw) < headerDesc.Size() {
		return File{}, codecerr.Newf(codecerr.KindTruncated, "ash: image shorter than header")
	}

	decrypt := findDecrypt(raw[:headerDesc.Size()])
	if decrypt == nil {
		return File{}, codecerr.Newf(codecerr.KindWrongMagic, "ash: cannot decrypt header")
	}

	data := decrypt(raw)
	rec, ok := headerDesc.UnpackBytes(data, 0)
	if !ok || !bytes.Equal(rec["magic"].([]byte), headerMagic) {
		return File{}, codecerr.Newf(codecerr.KindWrongMagic, "ash: bad magic after decrypt")
	}

	var sum uint32
	for _, b := range data[headerDesc.Size():] {
		sum += uint32(b)
	}
	if sum != rec["checksum"].(uint32) {
		return File{}, codecerr.Newf(codecerr.KindWrongChecksum, "ash: checksum mismatch")
	}

	modelStr := string(bytes.TrimRight(rec["model"].([]byte), "\x00"))
	regionStr := string(bytes.TrimRight(rec["region"].([]byte), "\x00"))
	model, err := strconv.ParseUint(modelStr, 10, 32)
	if err != nil {
		return File{}, codecerr.Wrapf(codecerr.KindMalformed, err, "ash: parse model %q", modelStr)
	}
	region, err := strconv.ParseUint(regionStr, 16, 32)
	if err != nil {
		return File{}, codecerr.Wrapf(codecerr.KindMalformed, err, "ash: parse region %q", regionStr)
	}
	version := rec["version"].(uint16)

	return File{
		Model:    uint32(model),
		Region:   uint32(region),
		Version:  fmt.Sprintf("%d.00", version),
		Contents: bytes.NewReader(data),
	}, nil
}
