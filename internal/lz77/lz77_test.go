package lz77

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sonyfw/fwimg/internal/codecerr"
)

func TestInflateUncompressedFrame(t *testing.T) {
	// Type 0x0F, one reserved byte, u16 LE length, then the literals.
	in := []byte{0x0f, 0xaa, 0x03, 0x00, 'x', 'y', 'z'}
	out, err := Inflate(bytes.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "xyz" {
		t.Errorf("got %q, want %q", out, "xyz")
	}
}

func TestInflateBackReferenceOverlap(t *testing.T) {
	// One literal 'A', then a back-reference with length index 1 (4
	// bytes) at distance 1: the copy re-reads its own output, so the
	// result is the literal replicated five times.
	in := []byte{0xf0, 0xfe, 'A', 0x10, 0x01, 0x00, 0x00}
	out, err := Inflate(bytes.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "AAAAA" {
		t.Errorf("got %q, want %q", out, "AAAAA")
	}
}

func TestInflateLongRun(t *testing.T) {
	// Length index 15 maps to 64; distance 1 over a one-byte prelude
	// produces 65 copies.
	in := []byte{0xf0, 0x06, 'Q', 0xf0, 0x01, 0x00, 0x00}
	out, err := Inflate(bytes.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != strings.Repeat("Q", 65) {
		t.Errorf("got %d bytes %q", len(out), out)
	}
}

func TestInflateLiteralRunShortcut(t *testing.T) {
	// A 0x00 flag byte emits the next 8 bytes verbatim; the following
	// flag selects a terminating back-reference.
	in := []byte{0xf0, 0x00, '0', '1', '2', '3', '4', '5', '6', '7', 0x01, 0x00, 0x00}
	out, err := Inflate(bytes.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "01234567" {
		t.Errorf("got %q", out)
	}
}

func TestInflateUnknownFrameType(t *testing.T) {
	_, err := Inflate(bytes.NewReader([]byte{0x55, 0x00}))
	if !errors.Is(err, codecerr.Unsupported) {
		t.Errorf("got %v, want Unsupported", err)
	}
}

func TestInflateBadBackDistance(t *testing.T) {
	// A back-reference at distance 0x202 (514) before any output.
	in := []byte{0xf0, 0x01, 0x12, 0x02}
	if _, err := Inflate(bytes.NewReader(in)); !errors.Is(err, codecerr.Malformed) {
		t.Errorf("got %v, want Malformed", err)
	}
}

func TestDecodeLzpt(t *testing.T) {
	// One 64-byte block (exponent 6), stored as a single uncompressed
	// LZ77 frame, TOC after the block data.
	payload := bytes.Repeat([]byte("sony"), 16)
	frame := append([]byte{0x0f, 0x00, 64, 0x00}, payload...)

	var img bytes.Buffer
	img.Write([]byte("TPZL"))
	img.Write([]byte{6, 0, 0, 0})                                // block size log2
	tocOffset := uint32(16 + len(frame))
	img.Write([]byte{byte(tocOffset), byte(tocOffset >> 8), 0, 0}) // TOC offset
	img.Write([]byte{8, 0, 0, 0})                                // TOC size
	img.Write(frame)
	img.Write([]byte{16, 0, 0, 0})                               // entry offset
	img.Write([]byte{byte(len(frame)), 0, 0, 0})                 // entry size

	var magic [4]byte
	copy(magic[:], img.Bytes())
	if !IsLzpt(magic) {
		t.Fatal("IsLzpt = false on a TPZL image")
	}

	out, err := DecodeLzpt(bytes.NewReader(img.Bytes()), int64(img.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("decoded %d bytes, mismatch with payload", len(out))
	}
}
