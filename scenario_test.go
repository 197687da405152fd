package fwimg

import (
	"bytes"
	"io"
	"testing"

	"github.com/sonyfw/fwimg/internal/blockcipher"
	"github.com/sonyfw/fwimg/internal/datcodec"
	"github.com/sonyfw/fwimg/internal/fdatcodec"
)

// buildFdatPayload assembles a minimal, valid FDAT payload: model,
// region, version and a one-byte firmware, empty filesystem.
func buildFdatPayload(t *testing.T, model, region uint32, versionMajor, versionMinor byte, firmware []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	h := fdatcodec.Header{
		VersionMajor: versionMajor,
		VersionMinor: versionMinor,
		Model:        model,
		Region:       region,
	}
	if err := fdatcodec.Write(&buf, h, bytes.NewReader(nil), bytes.NewReader(firmware)); err != nil {
		t.Fatalf("fdatcodec.Write: %v", err)
	}
	return buf.Bytes()
}

func TestDatDecryptTrialScenario(t *testing.T) {
	// model 0x00A01234 has the accessory bit set (& 0xFF0000 == 0xA00000).
	plain := buildFdatPayload(t, 0x00a01234, 1, 0x04, 0x01, []byte{0x42})

	keys := Keys{
		CXD4132: blockcipher.Keys{
			AesKey:  bytes.Repeat([]byte{0xaa}, 16),
			AesKey2: bytes.Repeat([]byte{0xbb}, 16),
		},
	}

	c, err := blockcipher.NewDoubleAesCrypter(keys[CXD4132])
	if err != nil {
		t.Fatal(err)
	}
	enc, err := blockcipher.Encrypt(bytes.NewReader(padToBlock(plain, c.EncryptBlockSize())), c, c.DecryptBlockSize())
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := io.ReadAll(enc)
	if err != nil {
		t.Fatal(err)
	}

	rec := datcodec.Record{FirmwareData: ciphertext}
	var datBuf bytes.Buffer
	if err := datcodec.Write(&datBuf, rec); err != nil {
		t.Fatal(err)
	}

	gotRec, err := datcodec.Read(bytes.NewReader(datBuf.Bytes()))
	if err != nil {
		t.Fatalf("datcodec.Read: %v", err)
	}

	id, stream, err := DecryptFdat(bytes.NewReader(gotRec.FirmwareData), int64(len(gotRec.FirmwareData)), keys)
	if err != nil {
		t.Fatalf("DecryptFdat: %v", err)
	}
	if id != CXD4132 {
		t.Fatalf("got crypter %s, want CXD4132", id)
	}

	decrypted, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal(err)
	}

	f, err := fdatcodec.Read(bytes.NewReader(decrypted), int64(len(decrypted)))
	if err != nil {
		t.Fatalf("fdatcodec.Read: %v", err)
	}
	if f.Header.Model != 0x00a01234 {
		t.Fatalf("got model %#x", f.Header.Model)
	}
	if !f.Header.IsAccessory() {
		t.Fatal("expected IsAccessory")
	}
	if f.Header.VersionString() != "4.01" {
		t.Fatalf("got version %q, want 4.01", f.Header.VersionString())
	}

	fw := make([]byte, 1)
	if _, err := f.Firmware.ReadAt(fw, 0); err != nil {
		t.Fatal(err)
	}
	if fw[0] != 0x42 {
		t.Fatalf("got firmware byte %#x, want 0x42", fw[0])
	}
}

func padToBlock(b []byte, block int) []byte {
	if r := len(b) % block; r != 0 {
		b = append(b, make([]byte, block-r)...)
	}
	return b
}
