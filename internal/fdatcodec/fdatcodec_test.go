package fdatcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"testing"

	"github.com/sonyfw/fwimg/internal/codecerr"
)

func buildPayload(t *testing.T, h Header, fs, firmware string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, h, bytes.NewReader([]byte(fs)), bytes.NewReader([]byte(firmware))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	h := Header{VersionMajor: 0x04, VersionMinor: 0x01, Model: 0x00a01234, Region: 1}
	raw := buildPayload(t, h, "fs image bytes", "firmware tar bytes")

	if !IsFdat(raw) {
		t.Fatal("IsFdat = false on a freshly written payload")
	}

	f, err := Read(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if f.Header.Model != h.Model || f.Header.Region != h.Region {
		t.Errorf("identity = %#x/%d", f.Header.Model, f.Header.Region)
	}
	if got := f.Header.VersionString(); got != "4.01" {
		t.Errorf("version = %q, want 4.01", got)
	}
	if !f.Header.IsAccessory() {
		t.Error("model 0xA01234 should read as an accessory")
	}

	fs, err := io.ReadAll(f.Fs)
	if err != nil {
		t.Fatal(err)
	}
	if string(fs) != "fs image bytes" {
		t.Errorf("fs = %q", fs)
	}
	firmware, err := io.ReadAll(f.Firmware)
	if err != nil {
		t.Fatal(err)
	}
	if string(firmware) != "firmware tar bytes" {
		t.Errorf("firmware = %q", firmware)
	}
}

// reseal recomputes the header CRC after a test mutates header bytes,
// so the mutation under test is the only invalid thing left.
func reseal(raw []byte) {
	binary.BigEndian.PutUint32(raw[8:12], crc32.ChecksumIEEE(raw[12:512]))
}

func TestNonUserModeTypeRejected(t *testing.T) {
	raw := buildPayload(t, Header{Model: 1}, "", "")
	raw[16] = 'X'
	reseal(raw)

	_, err := Read(bytes.NewReader(raw), int64(len(raw)))
	if !errors.Is(err, codecerr.Unsupported) {
		t.Errorf("got %v, want Unsupported", err)
	}
}

func TestHeaderCrcChecked(t *testing.T) {
	raw := buildPayload(t, Header{Model: 1}, "", "")
	raw[20] ^= 0xff // corrupt a model byte without resealing

	_, err := Read(bytes.NewReader(raw), int64(len(raw)))
	if !errors.Is(err, codecerr.WrongChecksum) {
		t.Errorf("got %v, want WrongChecksum", err)
	}
}
