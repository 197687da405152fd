package cramfs_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/sonyfw/fwimg/internal/fstree"
	cramfsreader "github.com/sonyfw/fwimg/internal/fsreaders/cramfs"
	cramfswriter "github.com/sonyfw/fwimg/internal/fswriters/cramfs"
)

func TestWriteReadRoundTrip(t *testing.T) {
	files := []fstree.UnixFile{
		{Path: "/hello.txt", Mode: fstree.ModeRegular | 0o644, Contents: bytes.NewReader([]byte("hello cramfs world"))},
		{Path: "/sub", Mode: fstree.ModeDir | 0o755},
		{Path: "/sub/deep.txt", Mode: fstree.ModeRegular | 0o644, Contents: bytes.NewReader([]byte("nested contents, repeated repeated repeated to span more than one block boundary in a real run"))},
		{Path: "/link", Mode: fstree.ModeSymlink | 0o777, Contents: bytes.NewReader([]byte("sub/deep.txt"))},
	}

	var buf bytes.Buffer
	if err := cramfswriter.Write(files, &buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := cramfsreader.Read(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
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

	link, ok := byPath["/link"]
	if !ok {
		t.Fatalf("expected a /link entry, got paths %v", keys(byPath))
	}
	if !fstree.IsSymlink(link.Mode) {
		t.Fatalf("/link: got mode %#o, want a symlink", link.Mode)
	}

	wantContents := map[string]string{
		"/hello.txt":    "hello cramfs world",
		"/sub/deep.txt": "nested contents, repeated repeated repeated to span more than one block boundary in a real run",
		"/link":         "sub/deep.txt",
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
