package gzipfs

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/sonyfw/fwimg/internal/fstree"
)

func TestReadSingleMember(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte("wrapped firmware blob")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	src := bytes.NewReader(raw)

	if !IsGzip(src) {
		t.Fatal("IsGzip = false on a gzip stream")
	}

	files, err := Read(src, int64(len(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d members, want 1", len(files))
	}
	f := files[0]
	if f.Path != "" {
		t.Errorf("path = %q, want the bare single-member convention", f.Path)
	}
	if !fstree.IsRegular(f.Mode) {
		t.Errorf("mode = %#o", f.Mode)
	}
	data, err := io.ReadAll(f.Contents)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "wrapped firmware blob" {
		t.Errorf("contents = %q", data)
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	raw := []byte{0x1f, 0x8b, 0xff, 0xff, 0xff}
	if _, err := Read(bytes.NewReader(raw), int64(len(raw))); err == nil {
		t.Error("expected an error for a corrupt gzip stream")
	}
}
