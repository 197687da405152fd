package flashparts_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/sonyfw/fwimg/internal/ancillary/flashparts"
)

func TestWriteReadRoundTrip(t *testing.T) {
	part0 := bytes.NewReader([]byte("boot partition"))
	part1 := bytes.NewReader([]byte("rootfs partition payload"))

	var buf bytes.Buffer
	if err := flashparts.Write([]io.Reader{part0, part1}, &buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	src := bytes.NewReader(buf.Bytes())
	if !flashparts.Is(src) {
		t.Fatalf("Is: expected true on written image")
	}

	got, err := flashparts.Read(src)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d partitions, want 2", len(got))
	}

	want := []string{"boot partition", "rootfs partition payload"}
	for i, p := range got {
		if p.Flag&1 == 0 {
			t.Fatalf("partition %d: flag %#x missing bit 0", i, p.Flag)
		}
		c, err := io.ReadAll(p.Contents)
		if err != nil {
			t.Fatalf("partition %d: read contents: %v", i, err)
		}
		if string(c) != want[i] {
			t.Fatalf("partition %d: got %q, want %q", i, c, want[i])
		}
	}
}
