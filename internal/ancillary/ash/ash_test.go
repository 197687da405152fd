package ash_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/sonyfw/fwimg/internal/ancillary/ash"
	"github.com/sonyfw/fwimg/internal/xor55"
)

func buildPlaintext(t *testing.T, body []byte) []byte {
	t.Helper()
	header := make([]byte, 64)
	copy(header[0:8], "CX0900AP")
	copy(header[8:12], "1234")
	copy(header[12:16], "00a1")

	var sum uint32
	for _, b := range body {
		sum += uint32(b)
	}
	binary.BigEndian.PutUint32(header[16:20], sum)
	copy(header[24:32], "00000000")
	binary.BigEndian.PutUint16(header[32:34], 5)

	return append(header, body...)
}

func TestReadXorEncrypted(t *testing.T) {
	body := []byte("some firmware payload bytes, long enough to matter")
	plaintext := buildPlaintext(t, body)

	// xor55 is self-inverse, so "encrypting" with the same seed/order
	// produces exactly what ash's decryptXor candidate will invert.
	ciphertext := xor55.Crypt(0x12345678, plaintext, true)

	f, err := ash.Read(bytes.NewReader(ciphertext))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Model != 1234 {
		t.Fatalf("got model %d, want 1234", f.Model)
	}
	if f.Region != 0xa1 {
		t.Fatalf("got region %#x, want 0xa1", f.Region)
	}
	if f.Version != "5.00" {
		t.Fatalf("got version %q, want 5.00", f.Version)
	}
}

func TestIsDetectsXorEncrypted(t *testing.T) {
	plaintext := buildPlaintext(t, []byte("x"))
	ciphertext := xor55.Crypt(0x12345678, plaintext, true)

	if !ash.Is(bytes.NewReader(ciphertext)) {
		t.Fatalf("Is: expected true on an xor55-encrypted header")
	}
}
