package lzh_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/sonyfw/fwimg/internal/ancillary/lzh"
)

func TestReadStored(t *testing.T) {
	content := []byte("stored lzh payload, no compression")

	header := make([]byte, 21)
	header[0] = 21 // size: basic header length, content starts right after
	header[1] = 0  // checksum (unused at level 0)
	copy(header[2:7], "-lh0-")
	binary.LittleEndian.PutUint32(header[7:11], uint32(len(content)))
	binary.LittleEndian.PutUint32(header[11:15], uint32(len(content)))

	// DOS-style packed date: 2024-03-05 12:34:30.
	date := uint32(2024-1980)<<25 | uint32(3)<<21 | uint32(5)<<16 | uint32(12)<<11 | uint32(34)<<5 | uint32(15)
	binary.LittleEndian.PutUint32(header[15:19], date)
	header[19] = 0x20 // attr
	header[20] = 0    // level 0

	image := append(header, content...)
	src := bytes.NewReader(image)

	if !lzh.Is(src) {
		t.Fatalf("Is: expected true on stored LZH image")
	}

	f, err := lzh.Read(src)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Size != int64(len(content)) {
		t.Fatalf("got size %d, want %d", f.Size, len(content))
	}

	want := time.Date(2024, 3, 5, 12, 34, 30, 0, time.UTC).Unix()
	if f.Mtime != want {
		t.Fatalf("got mtime %d, want %d", f.Mtime, want)
	}

	got, err := io.ReadAll(f.Contents)
	if err != nil {
		t.Fatalf("read contents: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("contents mismatch: got %q, want %q", got, content)
	}
}
