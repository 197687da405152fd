package blockcache

import (
	"bytes"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	want := []byte("decoded cramfs block contents")
	if err := c.Put(1, 4096, want); err != nil {
		t.Fatal(err)
	}

	got, ok := c.Get(1, 4096)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	if _, ok := c.Get(1, 8192); ok {
		t.Fatal("expected miss for different offset")
	}
	if _, ok := c.Get(2, 4096); ok {
		t.Fatal("expected miss for different source token")
	}
}
