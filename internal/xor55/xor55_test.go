package xor55

import (
	"bytes"
	"testing"
)

func TestCryptSelfInverse(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0xa5, 0x3c, 0x00, 0xff}, 17)
	ciphertext := Crypt(0x12345678, plaintext, true)
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatalf("ciphertext equals plaintext; keystream looks like all zeros")
	}
	roundTrip := Crypt(0x12345678, ciphertext, true)
	if !bytes.Equal(roundTrip, plaintext) {
		t.Fatalf("Crypt is not self-inverse: got %x, want %x", roundTrip, plaintext)
	}
}

func TestKeystreamDeterministic(t *testing.T) {
	a := Keystream(0x12345678, 64, true)
	b := Keystream(0x12345678, 64, true)
	if !bytes.Equal(a, b) {
		t.Fatalf("Keystream not deterministic for a fixed seed")
	}
	if len(a) != 64 {
		t.Fatalf("got %d bytes, want 64", len(a))
	}
}

func TestKeystreamEndiannessDiffers(t *testing.T) {
	be := Keystream(0x87654321, 32, true)
	le := Keystream(0x87654321, 32, false)
	if bytes.Equal(be, le) {
		t.Fatalf("big- and little-endian keystreams unexpectedly match")
	}
}
