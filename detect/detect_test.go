package detect

import (
	"bytes"
	"errors"
	"io"
	"testing"

	fwimg "github.com/sonyfw/fwimg"
	"github.com/sonyfw/fwimg/internal/ancillary/msfirm"
	"github.com/sonyfw/fwimg/internal/blockcipher"
	"github.com/sonyfw/fwimg/internal/datcodec"
	"github.com/sonyfw/fwimg/internal/fdatcodec"
)

func buildDat(t *testing.T, keys fwimg.Keys) []byte {
	t.Helper()
	var fdatBuf bytes.Buffer
	h := fdatcodec.Header{VersionMajor: 0x02, VersionMinor: 0x10, Model: 0x00a05678, Region: 3}
	if err := fdatcodec.Write(&fdatBuf, h, bytes.NewReader(nil), bytes.NewReader([]byte{0x42})); err != nil {
		t.Fatal(err)
	}

	c, err := blockcipher.NewAesCrypter(keys[fwimg.CXD4115])
	if err != nil {
		t.Fatal(err)
	}
	plain := fdatBuf.Bytes()
	if r := len(plain) % c.EncryptBlockSize(); r != 0 {
		plain = append(plain, make([]byte, c.EncryptBlockSize()-r)...)
	}
	enc, err := blockcipher.Encrypt(bytes.NewReader(plain), c, c.DecryptBlockSize())
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := io.ReadAll(enc)
	if err != nil {
		t.Fatal(err)
	}

	var datBuf bytes.Buffer
	rec := datcodec.Record{
		NormalUsbDescriptors: []datcodec.UsbDescriptor{{Pid: 1, Vid: 0x054c}},
		FirmwareData:         ciphertext,
	}
	if err := datcodec.Write(&datBuf, rec); err != nil {
		t.Fatal(err)
	}
	return datBuf.Bytes()
}

func TestUnpackDatEnvelope(t *testing.T) {
	keys := fwimg.Keys{
		fwimg.CXD4115: blockcipher.Keys{AesKey: bytes.Repeat([]byte{0x11}, 16)},
	}
	raw := buildDat(t, keys)

	res, err := Unpack(bytes.NewReader(raw), int64(len(raw)), keys, nil)
	if err != nil {
		t.Fatal(err)
	}
	env, ok := res.(DatEnvelope)
	if !ok {
		t.Fatalf("got %T, want DatEnvelope", res)
	}
	if env.Crypter != fwimg.CXD4115 {
		t.Errorf("crypter = %s", env.Crypter)
	}
	if len(env.NormalUsbDescriptors) != 1 || env.NormalUsbDescriptors[0].Vid != 0x054c {
		t.Errorf("usb descriptors = %+v", env.NormalUsbDescriptors)
	}
	if env.Fdat.Model != 0x00a05678 || env.Fdat.Region != 3 {
		t.Errorf("identity = %#x/%d", env.Fdat.Model, env.Fdat.Region)
	}
	if env.Fdat.Version != "2.10" {
		t.Errorf("version = %q", env.Fdat.Version)
	}
	if !env.Fdat.IsAccessory {
		t.Error("model 0xA05678 should read as an accessory")
	}
	fw := make([]byte, 1)
	if _, err := io.ReadFull(env.Fdat.Firmware, fw); err != nil {
		t.Fatal(err)
	}
	if fw[0] != 0x42 {
		t.Errorf("firmware byte = %#x", fw[0])
	}
}

func TestUnpackMsFirm(t *testing.T) {
	key := make([]byte, 0x40)
	for i := range key {
		key[i] = byte(i * 7)
	}
	var buf bytes.Buffer
	err := msfirm.Write(&buf, msfirm.Key{Name: string(fwimg.CXD4105_ms), Key: key}, msfirm.Contents{
		Model:   0x3000002,
		Region:  2,
		Version: "1.05",
		Files: []fwimg.UnixFile{
			{Path: "/firmware.dat", Contents: bytes.NewReader([]byte("body"))},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := Unpack(bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil,
		[]MsKey{{Name: string(fwimg.CXD4105_ms), Key: key}})
	if err != nil {
		t.Fatal(err)
	}
	ms, ok := res.(MsFirm)
	if !ok {
		t.Fatalf("got %T, want MsFirm", res)
	}
	if ms.Crypter != string(fwimg.CXD4105_ms) {
		t.Errorf("crypter = %q", ms.Crypter)
	}
	if ms.Model != 0x3000002 || ms.Region != 2 || ms.Version != "1.05" {
		t.Errorf("identity = %#x/%d/%q", ms.Model, ms.Region, ms.Version)
	}
	if len(ms.Files) != 2 || ms.Files[1].Path != "/firmware.dat" {
		t.Errorf("files = %+v", ms.Files)
	}
}

func TestUnpackUnknownImage(t *testing.T) {
	raw := bytes.Repeat([]byte{0x5a}, 4096)
	_, err := Unpack(bytes.NewReader(raw), int64(len(raw)), nil, nil)
	if !errors.Is(err, fwimg.WrongMagic) {
		t.Errorf("got %v, want WrongMagic", err)
	}
}
