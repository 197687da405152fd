package tarfs

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/sonyfw/fwimg/internal/fstree"
)

func buildTar(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	mtime := time.Unix(1234567890, 0)

	for _, hdr := range []*tar.Header{
		{Name: "sub/", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: mtime, Format: tar.FormatUSTAR},
		{Name: "sub/a.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 9, ModTime: mtime, Format: tar.FormatUSTAR},
		{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "sub/a.txt", Mode: 0o777, ModTime: mtime, Format: tar.FormatUSTAR},
	} {
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte("tar bytes")); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestReadUstar(t *testing.T) {
	raw := buildTar(t)
	src := bytes.NewReader(raw)

	if !IsTar(src) {
		t.Fatal("IsTar = false on a ustar archive")
	}

	files, err := Read(src, int64(len(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d entries, want 3", len(files))
	}

	if files[0].Path != "/sub/" || !fstree.IsDir(files[0].Mode) {
		t.Errorf("entry 0 = %q mode %#o", files[0].Path, files[0].Mode)
	}
	if files[0].Contents != nil {
		t.Error("directory entry carries contents")
	}

	if files[1].Path != "/sub/a.txt" || !fstree.IsRegular(files[1].Mode) {
		t.Errorf("entry 1 = %q mode %#o", files[1].Path, files[1].Mode)
	}
	data, err := io.ReadAll(files[1].Contents)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "tar bytes" {
		t.Errorf("contents = %q", data)
	}
	if files[1].Mtime != 1234567890 {
		t.Errorf("mtime = %d", files[1].Mtime)
	}

	if files[2].Path != "/link" || !fstree.IsSymlink(files[2].Mode) {
		t.Errorf("entry 2 = %q mode %#o", files[2].Path, files[2].Mode)
	}
	target, err := io.ReadAll(files[2].Contents)
	if err != nil {
		t.Fatal(err)
	}
	if string(target) != "sub/a.txt" {
		t.Errorf("symlink target = %q", target)
	}
}
