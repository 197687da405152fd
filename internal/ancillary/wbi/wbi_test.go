package wbi

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// lz77Stored wraps data in uncompressed LZ77 frames (type 0x0F), one
// per call, which is a valid encoding for any payload.
func lz77Stored(data []byte) []byte {
	out := []byte{0x0f, 0x00, byte(len(data)), byte(len(data) >> 8)}
	return append(out, data...)
}

func buildWbi(t *testing.T, payload []byte, frameSize int) []byte {
	t.Helper()
	const sectorSize = 512

	var comp []byte
	for off := 0; off < len(payload); off += frameSize {
		end := off + frameSize
		if end > len(payload) {
			end = len(payload)
		}
		comp = append(comp, lz77Stored(payload[off:end])...)
	}

	img := make([]byte, sectorSize+len(comp)+sectionDesc.Size())
	header := headerDesc.Pack(map[string]any{
		"magic":       []byte(magic),
		"numSections": 1,
		"flag":        flagCompressed,
		"version":     version,
		"sectorSize":  sectorSize,
		"dataSize":    len(comp),
	})
	copy(img, header)
	copy(img[sectorSize:], comp)

	section := sectionDesc.Pack(map[string]any{
		"addr": 0x40008000,
		"size": len(comp),
		"flag": 1,
		"osize": len(payload),
		"virt": 0xc0008000,
	})
	copy(img[sectorSize+len(comp):], section)
	return img
}

func TestReadDecompressesSections(t *testing.T) {
	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	img := buildWbi(t, payload, 400)

	src := bytes.NewReader(img)
	if !Is(src) {
		t.Fatal("Is = false on a well-formed image")
	}

	chunks, err := Read(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.PhysicalAddr != 0x40008000 || c.VirtualAddr != 0xc0008000 {
		t.Errorf("addrs = %#x/%#x", c.PhysicalAddr, c.VirtualAddr)
	}
	if c.Size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", c.Size, len(payload))
	}
	got, err := io.ReadAll(c.Contents)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("decompressed section differs from the input payload")
	}
}

func TestReadRejectsUncompressedFlag(t *testing.T) {
	img := buildWbi(t, make([]byte, 16), 16)
	// Clear the compressed flag in place; the flag field sits right
	// after magic and numSections.
	binary.LittleEndian.PutUint32(img[8:12], 0)

	if _, err := Read(bytes.NewReader(img)); err == nil {
		t.Error("expected an error for an uncompressed image")
	}
}
