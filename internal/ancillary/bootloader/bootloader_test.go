package bootloader_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/sonyfw/fwimg/internal/ancillary/bootloader"
)

func TestReadExbl(t *testing.T) {
	const pageSize = 128

	page0 := make([]byte, pageSize)
	copy(page0[0:4], "EXBL")
	binary.LittleEndian.PutUint32(page0[8:12], pageSize)

	entry := page0[64:128]
	binary.LittleEndian.PutUint32(entry[0:4], 1)          // page
	binary.LittleEndian.PutUint32(entry[4:8], 1)          // nPage
	binary.LittleEndian.PutUint32(entry[8:12], 0x1234)    // checksum
	binary.LittleEndian.PutUint32(entry[12:16], 0x04010000) // version 4.01.00
	binary.LittleEndian.PutUint32(entry[16:20], 0x1000)   // loadaddr
	copy(entry[24:], "firmware.bin")

	content := bytes.Repeat([]byte{0x42}, pageSize)

	image := append(append([]byte{}, page0...), content...)
	src := bytes.NewReader(image)

	if !bootloader.Is(src) {
		t.Fatalf("Is: expected true on EXBL image")
	}

	files, err := bootloader.Read(src)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}

	f := files[0]
	if f.Name != "firmware.bin" {
		t.Fatalf("got name %q, want firmware.bin", f.Name)
	}
	if f.Version != "4.01.00" {
		t.Fatalf("got version %q, want 4.01.00", f.Version)
	}
	if f.LoadAddr != 0x1000 {
		t.Fatalf("got loadaddr %#x, want 0x1000", f.LoadAddr)
	}

	got, err := io.ReadAll(f.Contents)
	if err != nil {
		t.Fatalf("read contents: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("contents mismatch")
	}
}
