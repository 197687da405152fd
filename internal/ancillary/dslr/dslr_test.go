package dslr_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/sonyfw/fwimg/internal/ancillary/dslr"
	"github.com/sonyfw/fwimg/internal/xor55"
)

func buildPlaintext(t *testing.T, content []byte) []byte {
	t.Helper()
	const headerSize = 32
	const entrySize = 32

	header := make([]byte, headerSize)
	copy(header[0:8], "cnrjC012")
	copy(header[8:12], "9876")
	copy(header[12:14], "12") // ASCII-digit version path
	header[14] = 1            // nFiles

	var sum uint32
	for _, b := range content {
		sum += uint32(b)
	}
	binary.LittleEndian.PutUint32(header[16:20], sum)
	binary.LittleEndian.PutUint32(header[20:24], uint32(headerSize+entrySize+len(content)))

	entry := make([]byte, entrySize)
	copy(entry[0:12], "file1.bin")
	binary.LittleEndian.PutUint32(entry[12:16], uint32(len(content)))
	binary.LittleEndian.PutUint32(entry[16:20], uint32(headerSize+entrySize))

	out := append(header, entry...)
	out = append(out, content...)
	return out
}

func testRoundTrip(t *testing.T, bigEndian bool) {
	content := []byte("dslr firmware body bytes")
	plaintext := buildPlaintext(t, content)
	ciphertext := xor55.Crypt(0x87654321, plaintext, bigEndian)

	decrypted, err := dslr.Decrypt(bytes.NewReader(ciphertext))
	if err != nil {
		t.Fatalf("Decrypt (bigEndian=%v): %v", bigEndian, err)
	}
	dbuf, err := io.ReadAll(decrypted)
	if err != nil {
		t.Fatalf("read decrypted: %v", err)
	}

	f, err := dslr.Read(bytes.NewReader(dbuf), int64(len(dbuf)))
	if err != nil {
		t.Fatalf("Read (bigEndian=%v): %v", bigEndian, err)
	}
	if f.Model != 9876 {
		t.Fatalf("got model %d, want 9876", f.Model)
	}
	if f.Version != "12" {
		t.Fatalf("got version %q, want 12", f.Version)
	}
	if len(f.Files) != 1 || f.Files[0].Name != "file1.bin" {
		t.Fatalf("got files %+v, want one file1.bin entry", f.Files)
	}
	got, err := io.ReadAll(f.Files[0].Contents)
	if err != nil {
		t.Fatalf("read file contents: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("got contents %q, want %q", got, content)
	}
}

func TestRoundTripBigEndian(t *testing.T) { testRoundTrip(t, true) }

func TestRoundTripLittleEndian(t *testing.T) { testRoundTrip(t, false) }
