package datcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"reflect"
	"testing"

	"github.com/sonyfw/fwimg/internal/codecerr"
)

func sampleRecord() Record {
	return Record{
		NormalUsbDescriptors:  []UsbDescriptor{{Pid: 0x0001, Vid: 0x054c}},
		UpdaterUsbDescriptors: []UsbDescriptor{{Pid: 0x0002, Vid: 0x054c}, {Pid: 0x0003, Vid: 0x054c}},
		IsLens:                true,
		FirmwareData:          []byte("opaque encrypted payload"),
	}
}

func TestRoundTrip(t *testing.T) {
	want := sampleRecord()
	var buf bytes.Buffer
	if err := Write(&buf, want); err != nil {
		t.Fatal(err)
	}

	var magic [8]byte
	copy(magic[:], buf.Bytes())
	if !IsDat(magic) {
		t.Fatal("IsDat = false on a freshly written container")
	}

	got, err := Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestWrongTrailingCrc(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleRecord()); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff

	_, err := Read(bytes.NewReader(raw))
	if !errors.Is(err, codecerr.WrongChecksum) {
		t.Errorf("got %v, want WrongChecksum", err)
	}
}

func TestDendNotLast(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleRecord()); err != nil {
		t.Fatal(err)
	}
	// A well-formed container followed by a stray chunk: DEND is no
	// longer the final chunk.
	raw := append(buf.Bytes(), 0x00, 0x00, 0x00, 0x00, 'X', 'T', 'R', 'A')

	_, err := Read(bytes.NewReader(raw))
	if !errors.Is(err, codecerr.Malformed) {
		t.Errorf("got %v, want Malformed", err)
	}
}

func TestMissingChunkRejected(t *testing.T) {
	// Hand-build a container with DATV and PROV but no FDAT chunk; the
	// CRC itself is valid, so only the required-chunk check can fail.
	var buf bytes.Buffer
	crc := crc32.NewIEEE()
	w := func(b []byte) {
		buf.Write(b)
		crc.Write(b)
	}
	w([]byte{0x89, 0x55, 0x46, 0x55, 0x0d, 0x0a, 0x1a, 0x0a})

	chunk := func(typ string, payload []byte) []byte {
		b := make([]byte, 8+len(payload))
		binary.BigEndian.PutUint32(b[0:4], uint32(len(payload)))
		copy(b[4:8], typ)
		copy(b[8:], payload)
		return b
	}
	w(chunk("DATV", []byte{0x01, 0x00, 0x00, 0x00}))
	w(chunk("PROV", []byte{0x01, 0x00, 0x00, 0x00}))

	var dend [4]byte
	binary.BigEndian.PutUint32(dend[:], crc.Sum32())
	buf.Write(chunk("DEND", dend[:]))

	_, err := Read(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, codecerr.Malformed) {
		t.Errorf("got %v, want Malformed", err)
	}
}
