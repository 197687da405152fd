package structpack

import (
	"bytes"
	"testing"
)

var desc = New(BigEndian,
	Bytes("magic", 4),
	Int16("version"),
	Pad(2),
	Int32("count"),
	Int8("flag"),
)

func TestSizeAndRoundTrip(t *testing.T) {
	if desc.Size() != 13 {
		t.Fatalf("size = %d, want 13", desc.Size())
	}

	packed := desc.Pack(Record{
		"magic":   []byte("ABCD"),
		"version": uint16(0x0100),
		"count":   uint32(7),
		"flag":    uint8(1),
	})
	want := []byte{'A', 'B', 'C', 'D', 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x07, 0x01}
	if !bytes.Equal(packed, want) {
		t.Fatalf("packed = % x", packed)
	}

	rec, ok := desc.UnpackBytes(packed, 0)
	if !ok {
		t.Fatal("UnpackBytes reported short input")
	}
	if !bytes.Equal(rec["magic"].([]byte), []byte("ABCD")) {
		t.Errorf("magic = %q", rec["magic"])
	}
	if rec["version"].(uint16) != 0x0100 || rec["count"].(uint32) != 7 || rec["flag"].(uint8) != 1 {
		t.Errorf("fields = %+v", rec)
	}
}

func TestUnpackShortInputIsAbsent(t *testing.T) {
	if _, ok := desc.UnpackBytes(make([]byte, desc.Size()-1), 0); ok {
		t.Error("short slice should unpack as absent")
	}
	if _, ok, err := desc.UnpackReader(bytes.NewReader(make([]byte, 3))); ok || err != nil {
		t.Errorf("short reader = ok %v err %v, want absent", ok, err)
	}
}

func TestUnpackAtOffset(t *testing.T) {
	buf := append(make([]byte, 5), desc.Pack(Record{"magic": []byte("WXYZ")})...)
	rec, ok := desc.UnpackBytes(buf, 5)
	if !ok {
		t.Fatal("offset unpack reported short input")
	}
	if !bytes.Equal(rec["magic"].([]byte), []byte("WXYZ")) {
		t.Errorf("magic = %q", rec["magic"])
	}
}
