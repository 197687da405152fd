package cpio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
)

func pad4(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

func writeEntry(buf *bytes.Buffer, name string, mode uint32, mtime uint32, data []byte) {
	fmt.Fprintf(buf, "070701%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X",
		0, mode, 501, 100, 1, mtime, len(data), 0, 0, 0, 0, len(name)+1, 0)
	buf.WriteString(name)
	buf.WriteByte(0)
	pad4(buf)
	buf.Write(data)
	pad4(buf)
}

func buildCpio(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	writeEntry(&buf, "etc", fstree.ModeDir|0o755, 1234567890, nil)
	writeEntry(&buf, "etc/motd", fstree.ModeRegular|0o644, 1234567890, []byte("welcome\n"))
	writeEntry(&buf, trailer, 0, 0, nil)
	return buf.Bytes()
}

func TestReadNewAscii(t *testing.T) {
	raw := buildCpio(t)
	src := bytes.NewReader(raw)

	if !IsCpio(src) {
		t.Fatal("IsCpio = false on a new-ASCII archive")
	}

	files, err := Read(src, int64(len(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d entries, want 2 (trailer excluded)", len(files))
	}

	if files[0].Path != "/etc" || !fstree.IsDir(files[0].Mode) {
		t.Errorf("entry 0 = %q mode %#o", files[0].Path, files[0].Mode)
	}
	if files[1].Path != "/etc/motd" || !fstree.IsRegular(files[1].Mode) {
		t.Errorf("entry 1 = %q mode %#o", files[1].Path, files[1].Mode)
	}
	if files[1].Mtime != 1234567890 {
		t.Errorf("mtime = %d", files[1].Mtime)
	}
	data, err := io.ReadAll(files[1].Contents)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "welcome\n" {
		t.Errorf("contents = %q", data)
	}
}

func TestReadWithoutTrailerRejected(t *testing.T) {
	var buf bytes.Buffer
	writeEntry(&buf, "a", fstree.ModeRegular|0o644, 0, []byte("x"))

	_, err := Read(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if !errors.Is(err, codecerr.Truncated) {
		t.Errorf("got %v, want Truncated", err)
	}
}
