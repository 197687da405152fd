// Package msfirm reads and writes the legacy memory-stick firmware
// container: a flat sequence of encrypted sections,
// each sealed by an 0x80-byte header holding a keyed SHA-1 MAC over the
// section body and a second MAC over the header itself. The first
// section is a fixed-size INI-style manifest naming the remaining
// sections and their offsets.
//
// The per-device 64-byte key is never embedded here; callers supply an
// ordered Key table (typically the "_ms"-suffixed crypter catalogue
// entries) and Read trial-verifies the manifest seal against each until
// one matches.
package msfirm

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
)

const (
	keyLen       = 0x40
	headerLen    = 0x80
	hashLen      = sha1.Size
	manifestSize = 0x5000
	// manifestHead is the fixed prefix of the manifest excluded from its
	// own checksum, so the chksum field can be patched without moving the
	// sum it describes.
	manifestHead = 0x40
)

// Key is one entry of the caller-supplied trial table: a catalogue
// identifier (e.g. "CXD4108_ms") and the device's 64-byte secret.
type Key struct {
	Name string
	Key  []byte
}

// Contents is a fully-decoded memory-stick firmware image.
type Contents struct {
	Model   uint32
	Region  uint32
	Version string
	// Files holds the decrypted sections, the manifest ("/cntent.dat")
	// first, each body section after it in manifest order.
	Files []fstree.UnixFile
}

// calcHash is the section MAC: SHA1(K^5c || SHA1(K^36 || data)) with a
// 64-byte K, which is exactly HMAC-SHA1 at its native block size.
func calcHash(key, data []byte) []byte {
	m := hmac.New(sha1.New, key)
	m.Write(data)
	return m.Sum(nil)
}

func checkHeaderHash(key, header []byte) bool {
	sealed := make([]byte, headerLen)
	copy(sealed, header[:headerLen-hashLen])
	return hmac.Equal(calcHash(key, sealed), header[headerLen-hashLen:])
}

// keystream XORs data with the rolling SHA-1 keystream the format uses
// as its stream cipher: digest starts as key[0:20] and refreshes as
// SHA1(digest || key[20:40]). XOR is its own inverse, so this is both
// the decrypt and the encrypt transform.
func keystream(key, data []byte) []byte {
	out := make([]byte, len(data))
	digest := append([]byte(nil), key[:20]...)
	for off := 0; off < len(data); off += hashLen {
		h := sha1.New()
		h.Write(digest)
		h.Write(key[20:40])
		digest = h.Sum(nil)
		for i := 0; i < hashLen && off+i < len(data); i++ {
			out[off+i] = data[off+i] ^ digest[i]
		}
	}
	return out
}

// decryptSection verifies and decrypts one sealed section: an 0x80-byte
// header at off, then size body bytes. Both MACs cover the encrypted
// body, so they are checked before the keystream is applied.
func decryptSection(src io.ReaderAt, key []byte, off, size int64) ([]byte, error) {
	header := make([]byte, headerLen)
	if _, err := src.ReadAt(header, off); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "msfirm: read section header at %#x", off)
	}
	data := make([]byte, size)
	if _, err := src.ReadAt(data, off+headerLen); err != nil {
		return nil, codecerr.Wrapf(codecerr.KindTruncated, err, "msfirm: read section body at %#x", off+headerLen)
	}
	if !checkHeaderHash(key, header) {
		return nil, codecerr.Newf(codecerr.KindWrongChecksum, "msfirm: header seal mismatch at %#x", off)
	}
	if !hmac.Equal(calcHash(key, data), header[:hashLen]) {
		return nil, codecerr.Newf(codecerr.KindWrongChecksum, "msfirm: body seal mismatch at %#x", off)
	}
	return keystream(key, data), nil
}

// findKey trial-verifies the manifest section's header seal against
// each candidate in order and returns the first that matches.
func findKey(src io.ReaderAt, keys []Key) *Key {
	header := make([]byte, headerLen)
	if _, err := src.ReadAt(header, 0); err != nil {
		return nil
	}
	for i := range keys {
		if len(keys[i].Key) != keyLen {
			continue
		}
		if checkHeaderHash(keys[i].Key, header) {
			return &keys[i]
		}
	}
	return nil
}

// Is reports whether src starts with a sealed MS-firm section header:
// the 88-byte zero run between the two MACs, plus a header seal that
// verifies under one of the supplied keys.
func Is(src io.ReaderAt, keys []Key) bool {
	header := make([]byte, headerLen)
	if _, err := src.ReadAt(header, 0); err != nil {
		return false
	}
	for _, b := range header[hashLen : headerLen-hashLen] {
		if b != 0 {
			return false
		}
	}
	return findKey(src, keys) != nil
}

type section struct {
	name   string
	fields map[string]string
}

// parseManifest splits the decrypted manifest into its INI sections, in
// file order. NUL padding is stripped from both ends of each line; lines
// that are then neither a [section] header nor a key=value pair are
// skipped.
func parseManifest(data []byte) []section {
	var secs []section
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.Trim(strings.TrimRight(line, "\r"), "\x00")
		if len(line) >= 2 && line[0] == '[' && line[len(line)-1] == ']' {
			secs = append(secs, section{name: line[1 : len(line)-1], fields: map[string]string{}})
			continue
		}
		if eq := strings.IndexByte(line, '='); eq > 0 && len(secs) > 0 {
			secs[len(secs)-1].fields[line[:eq]] = line[eq+1:]
		}
	}
	return secs
}

func hexField(s section, name string) (uint32, error) {
	raw, ok := s.fields[name]
	if !ok {
		return 0, codecerr.Newf(codecerr.KindMalformed, "msfirm: manifest section [%s] missing %s", s.name, name)
	}
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, codecerr.Wrapf(codecerr.KindMalformed, err, "msfirm: manifest field %s=%q", name, raw)
	}
	return uint32(v), nil
}

func toUnixFile(name string, data []byte) fstree.UnixFile {
	return fstree.UnixFile{
		Path:     "/" + name,
		Size:     int64(len(data)),
		Mtime:    0,
		Mode:     fstree.ModeRegular | 0o775,
		Contents: bytes.NewReader(data),
	}
}

// Read trial-decrypts the image against the ordered key table, parses
// the manifest, and decrypts every body section it names. Returns the
// winning key's name alongside the decoded contents.
func Read(src io.ReaderAt, keys []Key) (string, Contents, error) {
	key := findKey(src, keys)
	if key == nil {
		return "", Contents{}, codecerr.Newf(codecerr.KindWrongMagic, "msfirm: no supplied key verifies the manifest seal")
	}

	manifest, err := decryptSection(src, key.Key, 0, manifestSize)
	if err != nil {
		return "", Contents{}, err
	}

	secs := parseManifest(manifest)
	if len(secs) < 3 {
		return "", Contents{}, codecerr.Newf(codecerr.KindMalformed, "msfirm: manifest has %d sections, need at least 3", len(secs))
	}

	chksum, err := hexField(secs[1], "chksum")
	if err != nil {
		return "", Contents{}, err
	}
	var sum uint32
	for _, b := range manifest[manifestHead:] {
		sum += uint32(b)
	}
	if sum != chksum {
		return "", Contents{}, codecerr.Newf(codecerr.KindWrongChecksum, "msfirm: manifest checksum mismatch: got %#x want %#x", sum, chksum)
	}

	program := secs[2]
	total, err := hexField(program, "total_num")
	if err != nil {
		return "", Contents{}, err
	}
	if uint32(len(secs)-3) != total {
		return "", Contents{}, codecerr.Newf(codecerr.KindMalformed, "msfirm: manifest names %d files, total_num says %d", len(secs)-3, total)
	}
	model, err := hexField(program, "model")
	if err != nil {
		return "", Contents{}, err
	}
	region, err := hexField(program, "region")
	if err != nil {
		return "", Contents{}, err
	}
	version, ok := program.fields["version"]
	if !ok {
		return "", Contents{}, codecerr.Newf(codecerr.KindMalformed, "msfirm: manifest section [%s] missing version", program.name)
	}

	c := Contents{
		Model:   model,
		Region:  region,
		Version: version,
		Files:   []fstree.UnixFile{toUnixFile("cntent.dat", manifest)},
	}

	for i, s := range secs[3:] {
		name, ok := s.fields["name"]
		if !ok {
			return "", Contents{}, codecerr.Newf(codecerr.KindMalformed, "msfirm: manifest section [%s] missing name", s.name)
		}
		offset, err := hexField(s, "offset")
		if err != nil {
			return "", Contents{}, err
		}
		size, err := hexField(s, "size")
		if err != nil {
			return "", Contents{}, err
		}
		// Manifest offsets count payload bytes only; each preceding
		// section header (the manifest's own included) adds 0x80.
		data, err := decryptSection(src, key.Key, int64(offset)+int64(i+1)*headerLen, int64(size))
		if err != nil {
			return "", Contents{}, err
		}
		c.Files = append(c.Files, toUnixFile(name, data))
	}

	return key.Name, c, nil
}

func writeSection(w io.Writer, key, plaintext []byte) error {
	cipher := keystream(key, plaintext)
	header := make([]byte, headerLen)
	copy(header[:hashLen], calcHash(key, cipher))
	copy(header[headerLen-hashLen:], calcHash(key, header))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(cipher)
	return err
}

// Write assembles and seals a memory-stick image under the given key:
// the generated manifest section first, then one body section per file
// in c.Files (which must not itself contain the manifest — Write
// regenerates it). Sections are written back-to-back, so the emitted
// bytes are exactly what Read expects.
func Write(w io.Writer, key Key, c Contents) error {
	if len(key.Key) != keyLen {
		return codecerr.Newf(codecerr.KindUnsupported, "msfirm: key %s must be %d bytes, got %d", key.Name, keyLen, len(key.Key))
	}

	type body struct {
		name   string
		offset uint32
		data   []byte
	}
	bodies := make([]body, 0, len(c.Files))
	offset := uint32(manifestSize)
	for _, f := range c.Files {
		if f.Contents == nil {
			return codecerr.Newf(codecerr.KindUnsupported, "msfirm: %s has no contents", f.Path)
		}
		data, err := io.ReadAll(f.Contents)
		if err != nil {
			return codecerr.Wrapf(codecerr.KindTruncated, err, "msfirm: read %s", f.Path)
		}
		bodies = append(bodies, body{name: strings.TrimPrefix(f.Path, "/"), offset: offset, data: data})
		offset += uint32(len(data))
	}

	var head bytes.Buffer
	fmt.Fprintf(&head, "[update]\n[header]\nchksum=%08x\n", 0)
	if head.Len() > manifestHead {
		return codecerr.Newf(codecerr.KindMalformed, "msfirm: manifest head overflows %d bytes", manifestHead)
	}
	chksumAt := head.Len() - 9 // the 8 hex digits before the newline

	var tail bytes.Buffer
	fmt.Fprintf(&tail, "[program data]\nmodel=%08x\nregion=%08x\nversion=%s\ntotal_num=%08x\n",
		c.Model, c.Region, c.Version, len(bodies))
	for _, b := range bodies {
		fmt.Fprintf(&tail, "[%s]\nname=%s\noffset=%08x\nsize=%08x\n", b.name, b.name, b.offset, len(b.data))
	}
	if manifestHead+tail.Len() > manifestSize {
		return codecerr.Newf(codecerr.KindMalformed, "msfirm: manifest overflows %d bytes", manifestSize)
	}

	manifest := make([]byte, manifestSize)
	copy(manifest, head.Bytes())
	copy(manifest[manifestHead:], tail.Bytes())

	var sum uint32
	for _, b := range manifest[manifestHead:] {
		sum += uint32(b)
	}
	copy(manifest[chksumAt:chksumAt+8], fmt.Sprintf("%08x", sum))

	if err := writeSection(w, key.Key, manifest); err != nil {
		return err
	}
	for _, b := range bodies {
		if err := writeSection(w, key.Key, b.data); err != nil {
			return err
		}
	}
	return nil
}
