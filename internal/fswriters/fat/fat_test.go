package fat_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/sonyfw/fwimg/internal/fstree"
	fatreader "github.com/sonyfw/fwimg/internal/fsreaders/fat"
	fatwriter "github.com/sonyfw/fwimg/internal/fswriters/fat"
)

func TestWriteReadRoundTrip(t *testing.T) {
	files := []fstree.UnixFile{
		{Path: "/hello.txt", Mode: fstree.ModeRegular | 0o644, Contents: bytes.NewReader([]byte("hello fat world"))},
		{Path: "/sub", Mode: fstree.ModeDir | 0o755},
		{Path: "/sub/deep.txt", Mode: fstree.ModeRegular | 0o644, Contents: bytes.NewReader([]byte("nested contents"))},
		// Long enough that its VFAT long name spans two entries and its
		// 8.3 alias is truncated.
		{Path: "/ThisIsALongFilename.TXT", Mode: fstree.ModeRegular | 0o644, Contents: bytes.NewReader([]byte("lfn!!"))},
	}

	const imageSize = 1 << 20
	var buf bytes.Buffer
	if err := fatwriter.Write(files, imageSize, &buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() != imageSize {
		t.Fatalf("got image size %d, want %d", buf.Len(), imageSize)
	}

	got, err := fatreader.Read(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	byPath := make(map[string]fstree.UnixFile, len(got))
	for _, f := range got {
		byPath[f.Path] = f
	}

	sub, ok := byPath["/sub"]
	if !ok {
		t.Fatalf("expected a /sub directory entry, got paths %v", keys(byPath))
	}
	if !fstree.IsDir(sub.Mode) {
		t.Fatalf("/sub: got mode %#o, want a directory", sub.Mode)
	}

	wantContents := map[string]string{
		"/hello.txt":               "hello fat world",
		"/sub/deep.txt":            "nested contents",
		"/ThisIsALongFilename.TXT": "lfn!!",
	}
	for path, want := range wantContents {
		f, ok := byPath[path]
		if !ok {
			t.Fatalf("missing entry %q among %v", path, keys(byPath))
		}
		if f.Contents == nil {
			t.Fatalf("%q: nil Contents", path)
		}
		got, err := io.ReadAll(f.Contents)
		if err != nil {
			t.Fatalf("%q: read contents: %v", path, err)
		}
		if string(got) != want {
			t.Fatalf("%q: got %q, want %q", path, got, want)
		}
	}
}

func keys(m map[string]fstree.UnixFile) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
